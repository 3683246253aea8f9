package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	brokersEnv         = "STOREFRONT_KAFKA_BROKERS"
)

var errNotReplayable = errors.New("message is not a dead letter")

type config struct {
	brokers      []string
	sourceTopic  string
	defaultTopic string
	eventTypes   []string
	limit        int
	execute      bool
	fromNewest   bool
	idleTimeout  time.Duration
}

// offsetClient — часть sarama.Client, нужная для обхода партиций DLQ.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется kafka.Producer.
type replayPublisher interface {
	PublishRaw(ctx context.Context, topic, key string, value []byte, headers ...sarama.RecordHeader) error
	Close() error
}

type saramaPartitionSource struct {
	consumer sarama.Consumer
}

func (s saramaPartitionSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaPartitionSource) Close() error {
	return s.consumer.Close()
}

type replayDeps struct {
	client    offsetClient
	source    partitionSource
	publisher replayPublisher
}

func (d replayDeps) close() {
	if d.publisher != nil {
		_ = d.publisher.Close()
	}
	if d.source != nil {
		_ = d.source.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

var connect = func(cfg config) (replayDeps, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = version.Current().KafkaClientID("dlq-reprocess")
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDeps{client: client, source: saramaPartitionSource{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		deps.close()
		return replayDeps{}, err
	}
	deps.publisher = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, lookupEnv func(string) string) (config, error) {
	var (
		cfg        config
		brokersRaw string
		eventTypes string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+brokersEnv+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.defaultTopic, "target-topic", kafka.TopicOrderEvents, "topic for dead letters without original_topic")
	fs.StringVar(&eventTypes, "event-types", "", "replay only these event types (comma-separated)")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = lookupEnv(brokersEnv)
	}
	cfg.brokers = splitList(brokersRaw)
	cfg.eventTypes = splitList(eventTypes)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.defaultTopic = strings.TrimSpace(cfg.defaultTopic)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.defaultTopic == "":
		return config{}, errors.New("target-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
		"event_types":  cfg.eventTypes,
	}).Info("starting dlq replay")

	deps, err := connect(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	totals, err := newReplayer(cfg, deps).replay(ctx)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": totals.processed,
		"replayed":  totals.replayed,
		"skipped":   totals.skipped,
	}).Info("dlq replay finished")
	return nil
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg    config
	deps   replayDeps
	now    func() time.Time
	logger *log.Entry
}

func newReplayer(cfg config, deps replayDeps) *replayer {
	return &replayer{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		logger: log.WithField("component", "dlq-reprocess"),
	}
}

// replay обходит партиции DLQ по возрастанию номера, пока не исчерпан лимит.
func (r *replayer) replay(ctx context.Context) (replayStats, error) {
	var totals replayStats
	if r.deps.client == nil || r.deps.source == nil {
		return totals, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.deps.publisher == nil {
		return totals, errors.New("producer is required in execute mode")
	}

	partitions, err := r.deps.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return totals, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.cfg.sourceTopic).Warn("source topic has no partitions")
		return totals, nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		remaining := r.cfg.limit - totals.processed
		if remaining <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, remaining)
		totals.add(stats)
		if err != nil {
			return totals, err
		}
	}
	return totals, nil
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.deps.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.processed++
			replayed, err := r.handle(ctx, msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle переотправляет одну DLQ-запись. Нераспознанные записи пропускаются.
func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	dl, err := decodeDeadLetter(msg.Value)
	if err != nil {
		logger.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}
	if len(r.cfg.eventTypes) > 0 && !slices.Contains(r.cfg.eventTypes, dl.EventType) {
		return false, nil
	}

	topic := replayTopic(dl, r.cfg.defaultTopic)
	key := dl.AggregateID
	if key == "" {
		key = dl.OutboxID
	}
	logger = logger.WithFields(log.Fields{"target_topic": topic, "key": key, "event_type": dl.EventType})

	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}

	value, err := json.Marshal(dl.Envelope(r.now()))
	if err != nil {
		return false, fmt.Errorf("encode replay envelope: %w", err)
	}
	if err := r.deps.publisher.PublishRaw(ctx, topic, key, value, replayHeaders(dl)...); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	logger.Info("dead letter replayed")
	return true, nil
}

// decodeDeadLetter принимает как голую DLQ-запись, так и запись в outbox-конверте,
// в котором её публикует outbox-воркер.
func decodeDeadLetter(raw []byte) (kafka.DeadLetter, error) {
	var dl kafka.DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return kafka.DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if dl.OutboxID == "" && dl.OriginalTopic == "" {
		var envelope kafka.OutboxEnvelope
		if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Payload) > 0 {
			var inner kafka.DeadLetter
			if err := json.Unmarshal(envelope.Payload, &inner); err == nil && inner.OriginalTopic != "" {
				dl = inner
			}
		}
	}

	if dl.EventType == "" || (dl.OutboxID == "" && dl.OriginalTopic == "") {
		return kafka.DeadLetter{}, errNotReplayable
	}
	if len(dl.Payload) == 0 || !json.Valid(dl.Payload) {
		return kafka.DeadLetter{}, fmt.Errorf("dead letter %s has no valid payload", dl.OutboxID)
	}
	return dl, nil
}

func replayTopic(dl kafka.DeadLetter, fallback string) string {
	if topic := strings.TrimSpace(dl.OriginalTopic); topic != "" {
		return topic
	}
	return fallback
}

func replayHeaders(dl kafka.DeadLetter) []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte(kafka.HeaderRetryCount), Value: []byte(strconv.Itoa(dl.Attempts))},
		{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(dl.OriginalTopic)},
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
