package lnstack

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"
)

var ErrPaymentFailed = errors.New("payment failed")

const (
	defaultInvoiceExpiry  = 3600
	defaultPaymentTimeout = 60
)

type Invoice struct {
	Memo           string
	PaymentHash    string
	PaymentRequest string
	PaymentAddr    string
	ValueMsat      int64
	AmtPaidMsat    int64
	State          string
	Expiry         int64
	CreationDate   time.Time
	SettleDate     time.Time
	AddIndex       uint64
	SettleIndex    uint64
	IsKeysend      bool
}

func invoiceFromProto(i *lnrpc.Invoice) Invoice {
	inv := Invoice{
		Memo:           i.Memo,
		PaymentHash:    hex.EncodeToString(i.RHash),
		PaymentRequest: i.PaymentRequest,
		PaymentAddr:    hex.EncodeToString(i.PaymentAddr),
		ValueMsat:      i.ValueMsat,
		AmtPaidMsat:    i.AmtPaidMsat,
		State:          strings.ToLower(i.State.String()),
		Expiry:         i.Expiry,
		CreationDate:   time.Unix(i.CreationDate, 0),
		AddIndex:       i.AddIndex,
		SettleIndex:    i.SettleIndex,
		IsKeysend:      i.IsKeysend,
	}
	if i.SettleDate > 0 {
		inv.SettleDate = time.Unix(i.SettleDate, 0)
	}
	return inv
}

func (n *Node) AddInvoice(ctx context.Context, valueMsat int64, memo string,
	expiry int64, isKeysend bool) (*Invoice, error) {

	if valueMsat < 0 {
		return nil, errors.New("invoice value must not be negative")
	}
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}

	resp, err := n.client.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:      memo,
		ValueMsat: valueMsat,
		Expiry:    expiry,
		IsKeysend: isKeysend,
	})
	if err != nil {
		return nil, wrapLndErr("add invoice", err)
	}

	return &Invoice{
		Memo:           memo,
		PaymentHash:    hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		PaymentAddr:    hex.EncodeToString(resp.PaymentAddr),
		ValueMsat:      valueMsat,
		State:          "open",
		Expiry:         expiry,
		CreationDate:   time.Now(),
		AddIndex:       resp.AddIndex,
		IsKeysend:      isKeysend,
	}, nil
}

func (n *Node) ListInvoices(ctx context.Context, pendingOnly bool, offset,
	max uint64, reversed bool) ([]Invoice, error) {

	resp, err := n.client.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		PendingOnly:    pendingOnly,
		IndexOffset:    offset,
		NumMaxInvoices: max,
		Reversed:       reversed,
	})
	if err != nil {
		return nil, wrapLndErr("list invoices", err)
	}

	out := make([]Invoice, 0, len(resp.Invoices))
	for _, i := range resp.Invoices {
		out = append(out, invoiceFromProto(i))
	}
	return out, nil
}

type PaymentRequest struct {
	Destination     string
	PaymentHash     string
	NumSatoshis     int64
	NumMsat         int64
	Timestamp       time.Time
	Expiry          int64
	Description     string
	DescriptionHash string
	FallbackAddr    string
	CltvExpiry      int64
}

func wrapPayReqErr(op string, err error) error {
	msg := status.Convert(err).Message()
	if strings.Contains(msg, "checksum failed") || strings.Contains(msg, "invalid bech32 string") {
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidPayReq, msg)
	}
	return wrapLndErr(op, err)
}

func (n *Node) DecodePayReq(ctx context.Context, payReq string) (*PaymentRequest, error) {
	if payReq == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayReq)
	}

	resp, err := n.client.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
	if err != nil {
		return nil, wrapPayReqErr("decode pay req", err)
	}

	return &PaymentRequest{
		Destination:     resp.Destination,
		PaymentHash:     resp.PaymentHash,
		NumSatoshis:     resp.NumSatoshis,
		NumMsat:         resp.NumMsat,
		Timestamp:       time.Unix(resp.Timestamp, 0),
		Expiry:          resp.Expiry,
		Description:     resp.Description,
		DescriptionHash: resp.DescriptionHash,
		FallbackAddr:    resp.FallbackAddr,
		CltvExpiry:      resp.CltvExpiry,
	}, nil
}

type Payment struct {
	PaymentHash     string
	PaymentPreimage string
	PaymentRequest  string
	ValueMsat       int64
	FeeMsat         int64
	Status          string
	FailureReason   string
	CreationDate    time.Time
	PaymentIndex    uint64
}

func paymentFromProto(p *lnrpc.Payment) Payment {
	pay := Payment{
		PaymentHash:     p.PaymentHash,
		PaymentPreimage: p.PaymentPreimage,
		PaymentRequest:  p.PaymentRequest,
		ValueMsat:       p.ValueMsat,
		FeeMsat:         p.FeeMsat,
		Status:          strings.ToLower(p.Status.String()),
		CreationDate:    time.Unix(0, p.CreationTimeNs),
		PaymentIndex:    p.PaymentIndex,
	}
	if p.FailureReason != lnrpc.PaymentFailureReason_FAILURE_REASON_NONE {
		pay.FailureReason = p.FailureReason.String()
	}
	return pay
}

type SendPaymentInput struct {
	PayReq         string
	TimeoutSeconds int32
	FeeLimitMsat   int64
	// AmountMsat is only allowed for zero amount invoices.
	AmountMsat int64
}

// SendPayment pays an invoice through the router and follows the payment
// until it settles or fails. A failed payment is returned together with an
// error wrapping ErrPaymentFailed.
func (n *Node) SendPayment(ctx context.Context, in SendPaymentInput) (*Payment, error) {
	if in.PayReq == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayReq)
	}
	if in.FeeLimitMsat < 0 || in.AmountMsat < 0 {
		return nil, errors.New("fee limit and amount must not be negative")
	}
	timeout := in.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultPaymentTimeout
	}

	stream, err := n.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: in.PayReq,
		TimeoutSeconds: timeout,
		FeeLimitMsat:   in.FeeLimitMsat,
		AmtMsat:        in.AmountMsat,
	})
	if err != nil {
		return nil, wrapPayReqErr("send payment", err)
	}

	var last *Payment
	for {
		update, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return last, wrapPayReqErr("send payment", err)
		}

		p := paymentFromProto(update)
		last = &p
		log.WithFields(log.Fields{
			"node":   n.Name,
			"hash":   p.PaymentHash,
			"status": p.Status,
		}).Debug("payment update")

		switch update.Status {
		case lnrpc.Payment_SUCCEEDED:
			return last, nil
		case lnrpc.Payment_FAILED:
			return last, fmt.Errorf("%w: %s", ErrPaymentFailed, p.FailureReason)
		}
	}

	if last == nil {
		return nil, errors.New("send payment: no payment update received")
	}
	return last, nil
}

func (n *Node) ListPayments(ctx context.Context, includeIncomplete bool, offset,
	max uint64, reversed bool) ([]Payment, error) {

	resp, err := n.client.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: includeIncomplete,
		IndexOffset:       offset,
		MaxPayments:       max,
		Reversed:          reversed,
	})
	if err != nil {
		return nil, wrapLndErr("list payments", err)
	}

	out := make([]Payment, 0, len(resp.Payments))
	for _, p := range resp.Payments {
		out = append(out, paymentFromProto(p))
	}
	return out, nil
}

type TxCategory string

const (
	CategoryOnchain   TxCategory = "onchain"
	CategoryLightning TxCategory = "ln"
)

// GenericTx is a wallet movement of any kind: invoice, payment or on-chain
// transaction.
type GenericTx struct {
	Index     int
	ID        string
	Category  TxCategory
	Type      string
	AmountSat int64
	Time      time.Time
	Status    string
	Comment   string
}

// ListAllTx merges invoices, payments and on-chain transactions ordered by
// time. max == 0 means no limit.
func (n *Node) ListAllTx(ctx context.Context, successfulOnly bool, offset,
	max int, reversed bool) ([]GenericTx, error) {

	if offset < 0 || max < 0 {
		return nil, fmt.Errorf("offset %d and max %d must not be negative",
			offset, max)
	}

	var (
		invoices *lnrpc.ListInvoiceResponse
		onchain  *lnrpc.TransactionDetails
		payments *lnrpc.ListPaymentsResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		invoices, err = n.client.ListInvoices(gctx, &lnrpc.ListInvoiceRequest{
			Reversed: reversed,
		})
		return wrapLndErr("list invoices", err)
	})
	g.Go(func() error {
		var err error
		onchain, err = n.client.GetTransactions(gctx, &lnrpc.GetTransactionsRequest{})
		return wrapLndErr("get transactions", err)
	})
	g.Go(func() error {
		var err error
		payments, err = n.client.ListPayments(gctx, &lnrpc.ListPaymentsRequest{
			IncludeIncomplete: !successfulOnly,
			Reversed:          reversed,
		})
		return wrapLndErr("list payments", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var txs []GenericTx
	for _, i := range invoices.Invoices {
		if successfulOnly && i.State != lnrpc.Invoice_SETTLED {
			continue
		}
		inv := invoiceFromProto(i)
		amount := inv.ValueMsat
		if inv.AmtPaidMsat > 0 {
			amount = inv.AmtPaidMsat
		}
		txs = append(txs, GenericTx{
			ID:        inv.PaymentHash,
			Category:  CategoryLightning,
			Type:      "receive",
			AmountSat: amount / 1000,
			Time:      inv.CreationDate,
			Status:    inv.State,
			Comment:   inv.Memo,
		})
	}

	for _, t := range onchain.Transactions {
		typ, state := "receive", "succeeded"
		if t.Amount < 0 {
			typ = "send"
		}
		if t.NumConfirmations == 0 {
			state = "in_flight"
		}
		txs = append(txs, GenericTx{
			ID:        t.TxHash,
			Category:  CategoryOnchain,
			Type:      typ,
			AmountSat: t.Amount,
			Time:      time.Unix(t.TimeStamp, 0),
			Status:    state,
			Comment:   t.Label,
		})
	}

	for _, p := range payments.Payments {
		pay := paymentFromProto(p)
		txs = append(txs, GenericTx{
			ID:        pay.PaymentHash,
			Category:  CategoryLightning,
			Type:      "send",
			AmountSat: -(pay.ValueMsat + pay.FeeMsat) / 1000,
			Time:      pay.CreationDate,
			Status:    pay.Status,
			Comment:   n.paymentMemo(ctx, pay.PaymentRequest),
		})
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Time.Before(txs[j].Time)
	})
	if reversed {
		for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
			txs[i], txs[j] = txs[j], txs[i]
		}
	}
	for i := range txs {
		txs[i].Index = i
	}

	if offset >= len(txs) {
		return []GenericTx{}, nil
	}
	end := len(txs)
	if max > 0 && max < end-offset {
		end = offset + max
	}
	return txs[offset:end], nil
}

// paymentMemo resolves the description of a paid invoice. Decoded memos are
// cached since payment requests never change.
func (n *Node) paymentMemo(ctx context.Context, payReq string) string {
	if payReq == "" {
		return ""
	}
	if n.memos != nil {
		if memo, ok := n.memos.Get(payReq); ok {
			return memo
		}
	}

	pr, err := n.DecodePayReq(ctx, payReq)
	if err != nil {
		log.WithField("node", n.Name).Debugf("cannot decode payment request: %v", err)
		return ""
	}
	if n.memos != nil {
		n.memos.Add(payReq, pr.Description)
	}
	return pr.Description
}
