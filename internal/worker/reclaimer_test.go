package worker_test

import (
	"context"
	"sync"
	"time"

	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/worker"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("RedisReclaimer", func() {
	var (
		ctx      context.Context
		client   *redis.Client
		consumer *queue.RedisConsumer
		cfg      queue.ConsumerConfig
	)

	BeforeEach(func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)

		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
		ctx = context.Background()

		cfg = queue.ConsumerConfig{
			Stream:    "crisis_escalations",
			Group:     "escalation_relay",
			Consumer:  "relay-dead",
			DLQStream: "crisis_escalations_dlq",
			BatchSize: 10,
			Block:     10 * time.Millisecond,
		}
		consumer, err = queue.NewRedisConsumer(ctx, client, cfg)
		Expect(err).NotTo(HaveOccurred())

		producer := queue.NewRedisProducer(client, cfg.Stream, nil)
		_, err = producer.Publish(ctx, queue.EscalationMessage{Payload: model.EscalationPayload{
			CrisisEventID: 77,
			Version:       2,
			UserID:        "user-1",
			Severity:      model.SeverityHigh,
			Status:        model.CrisisStatusEscalated,
		}})
		Expect(err).NotTo(HaveOccurred())

		By("reading without acknowledging, as a worker that crashed would")
		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
	})

	run := func(r *worker.RedisReclaimer) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Run(ctx)
		}()
		DeferCleanup(func() {
			r.Stop()
			<-done
		})
	}

	It("claims and processes stale pending messages", func() {
		var (
			mu        sync.Mutex
			processed []queue.Message
		)
		r := worker.NewRedisReclaimer(client, worker.RedisReclaimerConfig{
			Stream:    cfg.Stream,
			Group:     cfg.Group,
			Consumer:  "relay-2",
			Interval:  10 * time.Millisecond,
			BatchSize: 10,
		}, consumer, func(_ context.Context, msg queue.Message) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, msg)
			return consumer.Ack(ctx, msg)
		})
		run(r)

		Eventually(func() []queue.Message {
			mu.Lock()
			defer mu.Unlock()
			return processed
		}).Should(HaveLen(1))

		mu.Lock()
		Expect(processed[0].CrisisEventID).To(Equal(int64(77)))
		Expect(processed[0].Version).To(Equal(int64(2)))
		mu.Unlock()
	})

	It("parks a message that exceeded its delivery limit", func() {
		called := make(chan struct{}, 1)
		r := worker.NewRedisReclaimer(client, worker.RedisReclaimerConfig{
			Stream:        cfg.Stream,
			Group:         cfg.Group,
			Consumer:      "relay-2",
			Interval:      10 * time.Millisecond,
			BatchSize:     10,
			MaxDeliveries: 1,
		}, consumer, func(context.Context, queue.Message) error {
			called <- struct{}{}
			return nil
		})
		run(r)

		Eventually(func() int64 {
			return client.XLen(ctx, cfg.DLQStream).Val()
		}).Should(Equal(int64(1)))
		Expect(called).NotTo(Receive())
	})
})
