package enrollment_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/store/memory"
)

func TestConfirmPurchase_SecondConfirmationIsNoop(t *testing.T) {
	ctx := context.Background()
	svc := enrollment.NewService(memory.New(), zerolog.Nop())
	p := enrollment.Purchase{AccountID: "ana", CourseID: "go-101", PaymentID: "pay-1"}

	// GIVEN: the synchronous confirmation enrolled the learner
	first, already, err := svc.ConfirmPurchase(ctx, p)
	require.NoError(t, err)
	assert.False(t, already)

	// WHEN: the webhook delivers the same purchase
	second, already, err := svc.ConfirmPurchase(ctx, p)

	// THEN: the existing enrollment comes back
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, first.ID, second.ID)

	list, err := svc.List(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConfirmPurchase_ConcurrentDeliveriesEnrollOnce(t *testing.T) {
	ctx := context.Background()
	svc := enrollment.NewService(memory.New(), zerolog.Nop())
	p := enrollment.Purchase{AccountID: "ben", CourseID: "sql-101", PaymentID: "pay-2"}

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := svc.ConfirmPurchase(ctx, p)
			assert.NoError(t, err)
			ids[i] = e.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, _ := svc.List(ctx, "ben")
	assert.Len(t, list, 1)
}

func TestConfirmPurchase_DifferentPaymentKeepsFirst(t *testing.T) {
	ctx := context.Background()
	svc := enrollment.NewService(memory.New(), zerolog.Nop())

	_, _, err := svc.ConfirmPurchase(ctx, enrollment.Purchase{AccountID: "cy", CourseID: "c", PaymentID: "pay-a"})
	require.NoError(t, err)
	e, already, err := svc.ConfirmPurchase(ctx, enrollment.Purchase{AccountID: "cy", CourseID: "c", PaymentID: "pay-b"})

	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, "pay-a", e.PaymentID)
}

func TestConfirmPurchase_Validation(t *testing.T) {
	svc := enrollment.NewService(memory.New(), zerolog.Nop())

	tests := []struct {
		p     enrollment.Purchase
		field string
	}{
		{enrollment.Purchase{CourseID: "c", PaymentID: "p"}, "userId"},
		{enrollment.Purchase{AccountID: "a", PaymentID: "p"}, "courseId"},
		{enrollment.Purchase{AccountID: "a", CourseID: "c"}, "paymentId"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			_, _, err := svc.ConfirmPurchase(context.Background(), tt.p)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
