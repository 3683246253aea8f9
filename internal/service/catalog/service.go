package catalog

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Service управляет каталогом товаров.
type Service struct {
	products domain.ProductRepository
	logger   *log.Entry
}

// NewService создаёт сервис каталога.
func NewService(products domain.ProductRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "catalog")
	}
	return &Service{products: products, logger: logger}
}

// Create добавляет товар. Пустой ID генерируется хранилищем.
func (s *Service) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	product = normalize(product)
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	created, err := s.products.Create(ctx, product)
	if err != nil {
		return domain.Product{}, s.storageError("create", product.ID, err)
	}
	s.logger.WithFields(log.Fields{"product_id": created.ID, "price": created.Price.String()}).Info("product created")
	return created, nil
}

// Get возвращает товар по ID.
func (s *Service) Get(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, domain.ErrProductRefRequired
	}
	product, err := s.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, s.storageError("get", id, err)
	}
	return product, nil
}

// List возвращает весь каталог.
func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	products, err := s.products.List(ctx)
	if err != nil {
		return nil, s.storageError("list", "", err)
	}
	return products, nil
}

// Update заменяет поля товара. Позиции корзин, созданные раньше, не меняются.
func (s *Service) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	product = normalize(product)
	if product.ID == "" {
		return domain.Product{}, domain.ErrProductRefRequired
	}
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	updated, err := s.products.Update(ctx, product)
	if err != nil {
		return domain.Product{}, s.storageError("update", product.ID, err)
	}
	return updated, nil
}

// Delete удаляет товар из каталога.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ErrProductRefRequired
	}
	if err := s.products.Delete(ctx, id); err != nil {
		return s.storageError("delete", id, err)
	}
	return nil
}

func normalize(p domain.Product) domain.Product {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.ImageRef = strings.TrimSpace(p.ImageRef)
	return p
}

func (s *Service) storageError(op, id string, err error) error {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.logger.WithError(err).WithFields(log.Fields{"operation": op, "product_id": id}).Error("catalog storage operation failed")
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return domain.PersistenceError("catalog "+op, err)
}
