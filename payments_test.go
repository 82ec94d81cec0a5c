package lnstack

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (f *fakeLightning) AddInvoice(_ context.Context, req *lnrpc.Invoice,
	_ ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {

	f.addInvoiceReq = req
	return &lnrpc.AddInvoiceResponse{
		RHash:          []byte{0xaa, 0xbb},
		PaymentRequest: "lntb1invoice",
		AddIndex:       4,
	}, nil
}

func (f *fakeLightning) ListInvoices(context.Context, *lnrpc.ListInvoiceRequest,
	...grpc.CallOption) (*lnrpc.ListInvoiceResponse, error) {

	return f.invoices, nil
}

func (f *fakeLightning) ListPayments(context.Context, *lnrpc.ListPaymentsRequest,
	...grpc.CallOption) (*lnrpc.ListPaymentsResponse, error) {

	return f.payments, nil
}

func (f *fakeLightning) DecodePayReq(_ context.Context, req *lnrpc.PayReqString,
	_ ...grpc.CallOption) (*lnrpc.PayReq, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.decodeCalls++
	pr, ok := f.payReqs[req.PayReq]
	if !ok {
		return nil, status.Error(codes.Unknown, "checksum failed. Expected x, got y.")
	}
	return pr, nil
}

func TestAddInvoice(t *testing.T) {
	ln := &fakeLightning{}
	node := newTestNode(t, ln)

	inv, err := node.AddInvoice(context.Background(), 21000, "coffee", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "aabb", inv.PaymentHash)
	assert.Equal(t, "lntb1invoice", inv.PaymentRequest)
	assert.Equal(t, "open", inv.State)
	assert.EqualValues(t, defaultInvoiceExpiry, inv.Expiry)
	assert.EqualValues(t, defaultInvoiceExpiry, ln.addInvoiceReq.Expiry)
	assert.EqualValues(t, 21000, ln.addInvoiceReq.ValueMsat)

	_, err = node.AddInvoice(context.Background(), -1, "", 0, false)
	require.Error(t, err)
}

func TestListInvoices(t *testing.T) {
	node := newTestNode(t, &fakeLightning{invoices: &lnrpc.ListInvoiceResponse{
		Invoices: []*lnrpc.Invoice{{
			Memo:        "coffee",
			RHash:       []byte{0x01},
			ValueMsat:   21000,
			AmtPaidMsat: 21000,
			State:       lnrpc.Invoice_SETTLED,
			SettleDate:  1700000000,
		}},
	}})

	invs, err := node.ListInvoices(context.Background(), false, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "settled", invs[0].State)
	assert.Equal(t, "01", invs[0].PaymentHash)
	assert.Equal(t, int64(1700000000), invs[0].SettleDate.Unix())
}

func TestDecodePayReq(t *testing.T) {
	node := newTestNode(t, &fakeLightning{payReqs: map[string]*lnrpc.PayReq{
		"lntb1good": {Destination: "02abc", NumSatoshis: 21, Description: "coffee"},
	}})
	ctx := context.Background()

	pr, err := node.DecodePayReq(ctx, "lntb1good")
	require.NoError(t, err)
	assert.Equal(t, "02abc", pr.Destination)
	assert.Equal(t, "coffee", pr.Description)

	_, err = node.DecodePayReq(ctx, "lntb1bad")
	require.ErrorIs(t, err, ErrInvalidPayReq)

	_, err = node.DecodePayReq(ctx, "")
	require.ErrorIs(t, err, ErrInvalidPayReq)
}

func TestSendPayment(t *testing.T) {
	router := &fakeRouter{updates: []*lnrpc.Payment{
		{PaymentHash: "aa", Status: lnrpc.Payment_IN_FLIGHT},
		{PaymentHash: "aa", Status: lnrpc.Payment_SUCCEEDED, ValueMsat: 21000, FeeMsat: 1000},
	}}
	node := newTestNode(t, &fakeLightning{})
	node.router = router

	p, err := node.SendPayment(context.Background(), SendPaymentInput{PayReq: "lntb1good"})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", p.Status)
	assert.EqualValues(t, 1000, p.FeeMsat)
	assert.EqualValues(t, defaultPaymentTimeout, router.req.TimeoutSeconds)
}

func TestSendPaymentFailed(t *testing.T) {
	node := newTestNode(t, &fakeLightning{})
	node.router = &fakeRouter{updates: []*lnrpc.Payment{{
		PaymentHash:   "aa",
		Status:        lnrpc.Payment_FAILED,
		FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
	}}}

	p, err := node.SendPayment(context.Background(), SendPaymentInput{PayReq: "lntb1good"})
	require.ErrorIs(t, err, ErrPaymentFailed)
	require.NotNil(t, p)
	assert.Equal(t, "FAILURE_REASON_NO_ROUTE", p.FailureReason)
}

func TestSendPaymentErrors(t *testing.T) {
	node := newTestNode(t, &fakeLightning{})
	ctx := context.Background()

	_, err := node.SendPayment(ctx, SendPaymentInput{})
	require.ErrorIs(t, err, ErrInvalidPayReq)

	_, err = node.SendPayment(ctx, SendPaymentInput{PayReq: "lntb1", FeeLimitMsat: -1})
	require.Error(t, err)

	// Stream closed without any update.
	_, err = node.SendPayment(ctx, SendPaymentInput{PayReq: "lntb1"})
	require.ErrorContains(t, err, "no payment update")

	node.router = &fakeRouter{err: status.Error(codes.Unknown, "invoice is already paid")}
	_, err = node.SendPayment(ctx, SendPaymentInput{PayReq: "lntb1"})
	require.ErrorIs(t, err, ErrAlreadyPaid)
}

func TestListAllTx(t *testing.T) {
	ln := &fakeLightning{
		invoices: &lnrpc.ListInvoiceResponse{Invoices: []*lnrpc.Invoice{
			{Memo: "paid", RHash: []byte{1}, ValueMsat: 5000, AmtPaidMsat: 6000,
				State: lnrpc.Invoice_SETTLED, CreationDate: 100},
			{Memo: "open", RHash: []byte{2}, ValueMsat: 9000,
				State: lnrpc.Invoice_OPEN, CreationDate: 400},
		}},
		transactions: &lnrpc.TransactionDetails{Transactions: []*lnrpc.Transaction{
			{TxHash: "deposit", Amount: 100000, TimeStamp: 50, NumConfirmations: 3},
			{TxHash: "withdraw", Amount: -20000, TimeStamp: 300},
		}},
		payments: &lnrpc.ListPaymentsResponse{Payments: []*lnrpc.Payment{
			{PaymentHash: "pay", PaymentRequest: "lntb1good", ValueMsat: 21000,
				FeeMsat: 1000, Status: lnrpc.Payment_SUCCEEDED,
				CreationTimeNs: (200 * time.Second).Nanoseconds()},
		}},
		payReqs: map[string]*lnrpc.PayReq{
			"lntb1good": {Description: "coffee"},
		},
	}
	node := newTestNode(t, ln)
	ctx := context.Background()

	txs, err := node.ListAllTx(ctx, false, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, txs, 5)

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
		assert.Equal(t, i, tx.Index)
	}
	assert.Equal(t, []string{"deposit", "01", "pay", "withdraw", "02"}, ids)

	assert.Equal(t, CategoryOnchain, txs[0].Category)
	assert.Equal(t, "succeeded", txs[0].Status)
	assert.EqualValues(t, 6, txs[1].AmountSat)
	assert.Equal(t, "paid", txs[1].Comment)
	assert.Equal(t, CategoryLightning, txs[2].Category)
	assert.EqualValues(t, -22, txs[2].AmountSat)
	assert.Equal(t, "coffee", txs[2].Comment)
	assert.Equal(t, "send", txs[3].Type)
	assert.Equal(t, "in_flight", txs[3].Status)

	// Successful only drops the open invoice; paging applies after sorting.
	txs, err = node.ListAllTx(ctx, true, 1, 2, true)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "pay", txs[0].ID)
	assert.Equal(t, 1, txs[0].Index)
	assert.Equal(t, "01", txs[1].ID)

	// The payment memo was decoded once and then served from cache.
	assert.Equal(t, 1, ln.decodeCalls)

	txs, err = node.ListAllTx(ctx, false, 10, 0, false)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// A max that would overflow offset+max still means everything left.
	txs, err = node.ListAllTx(ctx, false, 3, math.MaxInt, false)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "withdraw", txs[0].ID)

	_, err = node.ListAllTx(ctx, false, -1, 0, false)
	require.ErrorContains(t, err, "negative")
	_, err = node.ListAllTx(ctx, false, 0, -5, false)
	require.ErrorContains(t, err, "negative")
}
