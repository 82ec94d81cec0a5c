package lnstack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
)

var ErrUnknownTopic = errors.New("unknown zmq topic")

// ZMQEvent is a decoded bitcoind ZMQ notification. Exactly one of Block
// and Tx is set.
type ZMQEvent struct {
	Topic    string
	Sequence uint32
	Block    *wire.MsgBlock
	Tx       *wire.MsgTx
}

func (e *ZMQEvent) String() string {
	switch {
	case e.Block != nil:
		return fmt.Sprintf("%s #%d %s (%d txs)", e.Topic, e.Sequence,
			e.Block.BlockHash(), len(e.Block.Transactions))
	case e.Tx != nil:
		return fmt.Sprintf("%s #%d %s", e.Topic, e.Sequence, e.Tx.TxHash())
	}
	return e.Topic
}

// DecodeZMQ decodes the [topic, body, sequence] frames bitcoind publishes.
func DecodeZMQ(parts [][]byte) (*ZMQEvent, error) {
	if len(parts) < 2 {
		return nil, fmt.Errorf("zmq message has %d frames, want 3", len(parts))
	}

	ev := &ZMQEvent{Topic: string(parts[0])}
	if len(parts) > 2 {
		if len(parts[2]) != 4 {
			return nil, fmt.Errorf("zmq sequence frame is %d bytes", len(parts[2]))
		}
		ev.Sequence = binary.LittleEndian.Uint32(parts[2])
	}

	body := bytes.NewReader(parts[1])
	switch ev.Topic {
	case TopicRawBlock:
		block := &wire.MsgBlock{}
		if err := block.Deserialize(body); err != nil {
			return nil, fmt.Errorf("decode rawblock: %w", err)
		}
		ev.Block = block

	case TopicRawTx:
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(body); err != nil {
			return nil, fmt.Errorf("decode rawtx: %w", err)
		}
		ev.Tx = tx

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, ev.Topic)
	}

	return ev, nil
}

type ZMQSubscriber struct {
	conn *gozmq.Conn
	bufs [][]byte
}

// SubscribeZMQ connects to a bitcoind publisher at host:port or
// tcp://host:port. timeout bounds each read.
func SubscribeZMQ(endpoint string, topics []string, timeout time.Duration) (*ZMQSubscriber, error) {
	endpoint = strings.TrimPrefix(endpoint, "tcp://")
	conn, err := gozmq.Subscribe(endpoint, topics, timeout)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	return &ZMQSubscriber{conn: conn, bufs: make([][]byte, 0, 3)}, nil
}

// Next blocks for the next notification. After re-dialing a dropped
// publisher it returns a net.Error with Timeout set; callers may keep
// calling Next.
func (s *ZMQSubscriber) Next() (*ZMQEvent, error) {
	parts, err := s.conn.Receive(s.bufs[:0])
	if err != nil {
		return nil, err
	}
	s.bufs = parts[:0]
	return DecodeZMQ(parts)
}

func (s *ZMQSubscriber) Close() error {
	return s.conn.Close()
}
