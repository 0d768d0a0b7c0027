package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
)

const maxEnvelopeSize = 16 * 1024 * 1024

// Link carries envelopes as newline-delimited JSON over a pipe pair
type Link struct {
	reader  io.ReadCloser
	writer  io.WriteCloser
	inbound chan router.Envelope
	closed  chan struct{}
	logger  logging.Logger

	writeMutex sync.Mutex
	closeOnce  sync.Once
	startOnce  sync.Once
}

func NewLink(reader io.ReadCloser, writer io.WriteCloser, logger logging.Logger) *Link {
	return &Link{
		reader:  reader,
		writer:  writer,
		inbound: make(chan router.Envelope, 16),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

// Start begins reading envelopes; Inbound is closed when the reader ends
func (l *Link) Start() {
	l.startOnce.Do(func() {
		go l.read()
	})
}

func (l *Link) read() {
	defer close(l.inbound)

	scanner := bufio.NewScanner(l.reader)
	scanner.Buffer(make([]byte, 64*1024), maxEnvelopeSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env router.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			l.logger.Warnf("Dropping malformed envelope: %v", err)
			continue
		}
		select {
		case l.inbound <- env:
		case <-l.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Debugf("Link reader stopped: %v", err)
	}
}

func (l *Link) Inbound() <-chan router.Envelope {
	return l.inbound
}

// Send writes one envelope followed by a newline
func (l *Link) Send(ctx context.Context, env router.Envelope) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("send cancelled", err).WithContext("message", env.Message)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.NewMessageError("failed to encode envelope", err).WithContext("message", env.Message)
	}
	data = append(data, '\n')

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return errors.NewIOError("failed to write envelope", err).WithContext("message", env.Message)
	}
	return nil
}

// Close closes both ends. Pending reads end, envelopes nobody has taken
// from Inbound are discarded and Inbound is closed.
func (l *Link) Close() error {
	var result error
	l.closeOnce.Do(func() {
		close(l.closed)
		collection := errors.NewErrorCollection()
		collection.Add(l.writer.Close())
		collection.Add(l.reader.Close())
		result = collection.ToError()
	})
	return result
}
