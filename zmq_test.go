package lnstack

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeZMQ(t *testing.T) {
	genesis := chaincfg.TestNet3Params.GenesisBlock

	var block bytes.Buffer
	require.NoError(t, genesis.Serialize(&block))

	ev, err := DecodeZMQ([][]byte{[]byte("rawblock"), block.Bytes(), {7, 0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, TopicRawBlock, ev.Topic)
	assert.EqualValues(t, 7, ev.Sequence)
	require.NotNil(t, ev.Block)
	assert.Nil(t, ev.Tx)
	assert.Equal(t, genesis.BlockHash(), ev.Block.BlockHash())
	assert.Contains(t, ev.String(), genesis.BlockHash().String())

	coinbase := genesis.Transactions[0]
	var tx bytes.Buffer
	require.NoError(t, coinbase.Serialize(&tx))

	ev, err = DecodeZMQ([][]byte{[]byte("rawtx"), tx.Bytes(), {0, 1, 0, 0}})
	require.NoError(t, err)
	assert.EqualValues(t, 256, ev.Sequence)
	require.NotNil(t, ev.Tx)
	assert.Equal(t, coinbase.TxHash(), ev.Tx.TxHash())

	// The sequence frame is optional.
	ev, err = DecodeZMQ([][]byte{[]byte("rawtx"), tx.Bytes()})
	require.NoError(t, err)
	assert.Zero(t, ev.Sequence)
}

func TestDecodeZMQErrors(t *testing.T) {
	_, err := DecodeZMQ([][]byte{[]byte("hashblock"), make([]byte, 32), {0, 0, 0, 0}})
	require.ErrorIs(t, err, ErrUnknownTopic)

	_, err = DecodeZMQ([][]byte{[]byte("rawtx")})
	require.ErrorContains(t, err, "frames")

	_, err = DecodeZMQ([][]byte{[]byte("rawtx"), {1}, {0, 0}})
	require.ErrorContains(t, err, "sequence")

	_, err = DecodeZMQ([][]byte{[]byte("rawblock"), {1, 2, 3}, {0, 0, 0, 0}})
	require.ErrorContains(t, err, "decode rawblock")

	_, err = DecodeZMQ([][]byte{[]byte("rawtx"), {1, 2, 3}, {0, 0, 0, 0}})
	require.ErrorContains(t, err, "decode rawtx")
}

func writeZMTPFrame(w io.Writer, flag byte, body []byte) error {
	var header []byte
	if len(body) > 255 {
		header = make([]byte, 9)
		header[0] = flag | 2
		binary.BigEndian.PutUint64(header[1:], uint64(len(body)))
	} else {
		header = []byte{flag, byte(len(body))}
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readZMTPFrame(r io.Reader) ([]byte, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	var size uint64
	if flag[0]&2 != 0 {
		var long [8]byte
		if _, err := io.ReadFull(r, long[:]); err != nil {
			return nil, err
		}
		size = binary.BigEndian.Uint64(long[:])
	} else {
		var short [1]byte
		if _, err := io.ReadFull(r, short[:]); err != nil {
			return nil, err
		}
		size = uint64(short[0])
	}
	body := make([]byte, size)
	_, err := io.ReadFull(r, body)
	return body, err
}

// zmqPublisher accepts one subscriber on a local port, completes the ZMTP
// 3.0 NULL handshake the way bitcoind does, then publishes msgs.
func zmqPublisher(t *testing.T, msgs ...[][]byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 64)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		greeting = make([]byte, 64)
		greeting[0], greeting[9], greeting[10] = 0xff, 0x7f, 3
		copy(greeting[12:], "NULL")
		if _, err := conn.Write(greeting); err != nil {
			return
		}

		// READY from the subscriber, then ours.
		if _, err := readZMTPFrame(conn); err != nil {
			return
		}
		ready := append([]byte{5}, "READY"...)
		ready = append(ready, 11)
		ready = append(ready, "Socket-Type"...)
		ready = append(ready, 0, 0, 0, 3)
		ready = append(ready, "PUB"...)
		if err := writeZMTPFrame(conn, 4, ready); err != nil {
			return
		}

		// Subscription.
		if _, err := readZMTPFrame(conn); err != nil {
			return
		}

		for _, msg := range msgs {
			for i, part := range msg {
				var more byte
				if i < len(msg)-1 {
					more = 1
				}
				if err := writeZMTPFrame(conn, more, part); err != nil {
					return
				}
			}
		}
		_, _ = io.Copy(io.Discard, conn)
	}()

	return ln.Addr().String()
}

func TestZMQSubscriber(t *testing.T) {
	genesis := chaincfg.TestNet3Params.GenesisBlock

	var block, tx bytes.Buffer
	require.NoError(t, genesis.Serialize(&block))
	require.NoError(t, genesis.Transactions[0].Serialize(&tx))

	addr := zmqPublisher(t,
		[][]byte{[]byte("rawblock"), block.Bytes(), {1, 0, 0, 0}},
		[][]byte{[]byte("rawtx"), tx.Bytes(), {2, 0, 0, 0}},
	)

	sub, err := SubscribeZMQ("tcp://"+addr, []string{TopicRawBlock}, 5*time.Second)
	require.NoError(t, err)
	defer sub.Close()

	ev, err := sub.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Block)
	assert.Equal(t, genesis.BlockHash(), ev.Block.BlockHash())
	assert.EqualValues(t, 1, ev.Sequence)

	ev, err = sub.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Tx)
	assert.Equal(t, genesis.Transactions[0].TxHash(), ev.Tx.TxHash())
	assert.EqualValues(t, 2, ev.Sequence)

	require.NoError(t, sub.Close())
	_, err = sub.Next()
	require.Error(t, err)
}

func TestSubscribeZMQRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = SubscribeZMQ(addr, []string{TopicRawBlock}, time.Second)
	require.ErrorContains(t, err, "subscribe "+addr)
}
