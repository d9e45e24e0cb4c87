package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/segmentio/kafka-go"
)

var (
	ErrBufferFull     = errors.New("kafka producer buffer full")
	ErrProducerClosed = errors.New("kafka producer closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in a channel and writes them from one goroutine.
// Publish never blocks the caller.
type Producer struct {
	w       messageWriter
	topic   string
	log     *logging.Logger
	mu      sync.RWMutex
	closed  bool
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int, log *logging.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, topic, buf, log)
}

func newProducer(w messageWriter, topic string, buf int, log *logging.Logger) *Producer {
	if buf <= 0 {
		buf = 1
	}
	return &Producer{
		w:       w,
		topic:   topic,
		log:     log,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.Close()
				p.flush()
				return
			case m, ok := <-p.inbox:
				if !ok {
					p.flush()
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting messages; the loop flushes what is buffered.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Err(logging.Fields{Step: "kafka_write", Message: p.topic + " key=" + string(m.Key)}, err)
	}
}

func (p *Producer) flush() {
	for m := range p.inbox {
		p.write(m)
	}
	if err := p.w.Close(); err != nil {
		p.log.Err(logging.Fields{Step: "kafka_close", Message: p.topic}, err)
	}
}
