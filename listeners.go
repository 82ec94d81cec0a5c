package lnstack

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	log "github.com/sirupsen/logrus"
)

// ForwardEvent is an HTLC this node forwarded and saw settle.
type ForwardEvent struct {
	Time       time.Time
	ChanIDIn   uint64
	ChanIDOut  uint64
	AmtInMsat  int64
	AmtOutMsat int64
	FeeMsat    int64
}

// Forwards that never settle or fail (lnd restarts, dropped events) fall
// out of the cache instead of growing it.
const forwardCacheSize = 1024

type htlcKey struct {
	chanID uint64
	htlcID uint64
}

// recvErr maps the error that ended a stream: nil for a clean close,
// ctx.Err() once the caller gave up.
func recvErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return wrapLndErr(op, err)
}

// SubscribeInvoices calls fn for every invoice added or updated on the node.
// Non-zero indexes first replay what happened after them. It blocks until
// ctx is done, lnd closes the stream, or fn returns an error.
func (n *Node) SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64,
	fn func(Invoice) error) error {

	stream, err := n.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		AddIndex:    addIndex,
		SettleIndex: settleIndex,
	})
	if err != nil {
		return wrapLndErr("subscribe invoices", err)
	}
	log.WithField("node", n.Name).Debug("invoice subscription started")

	for {
		inv, err := stream.Recv()
		if err != nil {
			return recvErr(ctx, "subscribe invoices", err)
		}
		if err := fn(invoiceFromProto(inv)); err != nil {
			return err
		}
	}
}

// ForwardEvents calls fn for every forward that settles. lnd reports a
// forward and its outcome as separate HTLC events; the forward amounts are
// held until the settle for the same incoming HTLC arrives, and dropped on
// a forward or link failure.
func (n *Node) ForwardEvents(ctx context.Context, fn func(ForwardEvent) error) error {
	stream, err := n.router.SubscribeHtlcEvents(ctx, &routerrpc.SubscribeHtlcEventsRequest{})
	if err != nil {
		return wrapLndErr("subscribe htlc events", err)
	}
	log.WithField("node", n.Name).Debug("htlc event subscription started")

	// Only fails for a non-positive size.
	pending, _ := lru.New[htlcKey, *routerrpc.HtlcEvent](forwardCacheSize)

	for {
		ev, err := stream.Recv()
		if err != nil {
			return recvErr(ctx, "subscribe htlc events", err)
		}
		if ev.EventType != routerrpc.HtlcEvent_FORWARD {
			continue
		}

		key := htlcKey{chanID: ev.IncomingChannelId, htlcID: ev.IncomingHtlcId}
		switch {
		case ev.GetForwardEvent() != nil:
			if ev.GetForwardEvent().GetInfo() != nil {
				pending.Add(key, ev)
			}

		case ev.GetSettleEvent() != nil:
			if len(ev.GetSettleEvent().Preimage) == 0 {
				continue
			}
			fwd, ok := pending.Get(key)
			if !ok {
				continue
			}
			pending.Remove(key)

			if err := fn(forwardFrom(fwd, ev)); err != nil {
				return err
			}

		case ev.GetForwardFailEvent() != nil, ev.GetLinkFailEvent() != nil:
			pending.Remove(key)
		}
	}
}

func forwardFrom(fwd, settle *routerrpc.HtlcEvent) ForwardEvent {
	info := fwd.GetForwardEvent().GetInfo()
	out := settle.OutgoingChannelId
	if out == 0 {
		out = fwd.OutgoingChannelId
	}

	in, sent := int64(info.IncomingAmtMsat), int64(info.OutgoingAmtMsat)
	return ForwardEvent{
		Time:       time.Unix(0, int64(settle.TimestampNs)),
		ChanIDIn:   settle.IncomingChannelId,
		ChanIDOut:  out,
		AmtInMsat:  in,
		AmtOutMsat: sent,
		FeeMsat:    in - sent,
	}
}

// WatchInfo polls the node every interval and calls fn whenever its info
// differs from the last reported one. Failed polls are logged and retried.
func (n *Node) WatchInfo(ctx context.Context, interval time.Duration,
	fn func(*LnInfo) error) error {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *LnInfo
	for {
		info, err := n.Info(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.WithField("node", n.Name).Warnf("info poll: %v", err)
		case !reflect.DeepEqual(info, last):
			if err := fn(info); err != nil {
				return err
			}
			last = info
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
