package catalog

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/remote"
	"github.com/eliteoms/oms/internal/offline/schema"
)

var quiet = log.New(io.Discard, "", 0)

type recorder struct {
	intents []schema.Intent
	err     error
}

func (r *recorder) QueueMutation(ctx context.Context, intent schema.Intent) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := intent.Validate(); err != nil {
		return 0, err
	}
	r.intents = append(r.intents, intent)
	return int64(len(r.intents)), nil
}

func newTestService(r *recorder) *Service {
	s := NewService(r, quiet)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	s.intn = func(n int) int { return 4242 }
	return s
}

func TestStatusNext(t *testing.T) {
	tests := []struct {
		from OrderStatus
		want OrderStatus
		ok   bool
	}{
		{StatusNew, StatusInProcess, true},
		{StatusInProcess, StatusShipped, true},
		{StatusShipped, StatusDelivered, true},
		{StatusDelivered, "", false},
		{StatusReturned, "", false},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got, ok := tt.from.Next()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateProductQueuesProductBeforeVariants(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)

	pid, vids, err := s.CreateProduct(context.Background(),
		Product{Name: "Linen Shirt", CollectionID: "summer"},
		[]Variant{
			{Size: "M", Color: "white", SKU: "LS-M-W", SellPrice: 40, Quantity: 5},
			{Size: "L", Color: "white", SKU: "LS-L-W", SellPrice: 40, Quantity: 3},
		})
	require.NoError(t, err)
	require.True(t, schema.IsTemporaryID(pid))
	require.Len(t, vids, 2)
	require.Len(t, r.intents, 3)

	product := r.intents[0]
	assert.Equal(t, schema.CollectionProducts, product.Collection)
	assert.Equal(t, schema.ActionCreate, product.Action)
	assert.Equal(t, pid, product.DocumentID)
	assert.Equal(t, "Linen Shirt", product.Data["name"])
	assert.Equal(t, false, product.Data["isSoftDeleted"])
	assert.Equal(t, "2025-03-01T12:00:00Z", product.Data["createdAt"])

	for i, in := range r.intents[1:] {
		assert.Equal(t, schema.CollectionVariants, in.Collection)
		assert.Equal(t, vids[i], in.DocumentID)
		assert.Equal(t, pid, in.Data["productId"])
	}
}

func TestCreateProductRequiresName(t *testing.T) {
	r := &recorder{}
	_, _, err := newTestService(r).CreateProduct(context.Background(), Product{Name: "  "}, nil)
	require.Error(t, err)
	assert.Empty(t, r.intents)
}

func TestUpdateVariantQuantity(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)

	require.NoError(t, s.UpdateVariantQuantity(context.Background(), "p1", "v1", 7))
	require.Len(t, r.intents, 2)
	assert.Equal(t, schema.CollectionVariants, r.intents[0].Collection)
	assert.Equal(t, 7, r.intents[0].Data["quantity"])
	assert.Equal(t, schema.CollectionProducts, r.intents[1].Collection)
	assert.Equal(t, "p1", r.intents[1].DocumentID)
	assert.Contains(t, r.intents[1].Data, "updatedAt")

	require.Error(t, s.UpdateVariantQuantity(context.Background(), "p1", "v1", -1))
}

func TestSoftDeletes(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)
	ctx := context.Background()

	require.NoError(t, s.SoftDeleteProduct(ctx, "p1"))
	require.NoError(t, s.SoftDeleteVariant(ctx, "v1"))
	require.NoError(t, s.SoftDeleteSetting(ctx, "s1"))

	want := []schema.Collection{schema.CollectionProducts, schema.CollectionVariants, schema.CollectionSettings}
	for i, in := range r.intents {
		assert.Equal(t, schema.ActionSoftDelete, in.Action)
		assert.Equal(t, want[i], in.Collection)
		assert.Nil(t, in.Data)
	}
}

func TestCreateOrder(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)

	order, err := s.CreateOrder(context.Background(), OrderInput{
		Customer:     Customer{Name: "Sara", Phone: "0100", Address: "1 Nile St", City: "Cairo"},
		Items:        []OrderItem{{ProductID: "p1", Name: "Shirt", Qty: 2, UnitPrice: 40}},
		ShippingCost: 5,
		Discount:     10,
	})
	require.NoError(t, err)

	assert.Equal(t, "ELT-14242", order.OrderNumber)
	assert.Equal(t, StatusNew, order.Status)
	assert.InDelta(t, 80, order.Subtotal, 0.001)
	assert.InDelta(t, 75, order.Total, 0.001)
	require.Len(t, order.Timeline, 1)
	assert.Equal(t, "Order placed", order.Timeline[0].Note)

	require.Len(t, r.intents, 1)
	in := r.intents[0]
	assert.Equal(t, schema.ActionCreate, in.Action)
	assert.Equal(t, order.ID, in.DocumentID)
	assert.Equal(t, "new", in.Data["status"])
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestService(&recorder{})
	_, err := s.CreateOrder(context.Background(), OrderInput{Customer: Customer{Name: "Sara"}})
	require.Error(t, err)
	_, err = s.CreateOrder(context.Background(), OrderInput{Items: []OrderItem{{Qty: 1}}})
	require.Error(t, err)
}

func TestNewOrderNumberRange(t *testing.T) {
	s := NewService(&recorder{}, quiet)
	for range 100 {
		n := s.NewOrderNumber()
		require.Regexp(t, `^ELT-[1-9][0-9]{4}$`, n)
	}
}

func TestAdvanceOrderStatus(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)
	ctx := context.Background()

	order := &Order{ID: "o1", OrderNumber: "ELT-10001", Status: StatusNew,
		Timeline: []TimelineEntry{{Status: StatusNew, Note: "Order placed"}}}

	for _, want := range []OrderStatus{StatusInProcess, StatusShipped, StatusDelivered} {
		got, err := s.AdvanceOrderStatus(ctx, order)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := s.AdvanceOrderStatus(ctx, order)
	require.ErrorIs(t, err, ErrFinalStatus)

	require.Len(t, r.intents, 3)
	require.Len(t, order.Timeline, 4)
	assert.Equal(t, "Status updated to delivered", order.Timeline[3].Note)

	last := r.intents[2]
	assert.Equal(t, schema.ActionUpdate, last.Action)
	assert.Equal(t, "delivered", last.Data["status"])
	assert.Len(t, last.Data["timeline"], 4)
}

func TestMarkOrderReturnedAndDelete(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)
	ctx := context.Background()

	order := &Order{ID: "o1", Status: StatusShipped}
	require.NoError(t, s.MarkOrderReturned(ctx, order))
	assert.Equal(t, StatusReturned, order.Status)
	assert.Equal(t, "Order flagged for return/help", order.Timeline[0].Note)

	require.NoError(t, s.DeleteOrder(ctx, "o1"))
	assert.Equal(t, schema.ActionDelete, r.intents[1].Action)
}

func TestSaveCustomer(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)
	ctx := context.Background()

	id, err := s.SaveCustomer(ctx, Customer{Name: "Sara"})
	require.NoError(t, err)
	assert.True(t, schema.IsTemporaryID(id))
	assert.Equal(t, schema.ActionCreate, r.intents[0].Action)

	id, err = s.SaveCustomer(ctx, Customer{ID: "c9", Name: "Sara"})
	require.NoError(t, err)
	assert.Equal(t, "c9", id)
	assert.Equal(t, schema.ActionUpdate, r.intents[1].Action)
}

func TestSettings(t *testing.T) {
	r := &recorder{}
	s := newTestService(r)
	ctx := context.Background()

	sizeID, err := s.AddSize(ctx, "XL")
	require.NoError(t, err)
	_, err = s.AddCollection(ctx, "Summer", "Light fabrics")
	require.NoError(t, err)
	_, err = s.AddSize(ctx, "")
	require.Error(t, err)
	require.NoError(t, s.SetSettingActive(ctx, sizeID, false))

	require.Len(t, r.intents, 3)
	assert.Equal(t, "size", r.intents[0].Data["kind"])
	assert.Equal(t, true, r.intents[0].Data["isActive"])
	assert.Equal(t, "collection", r.intents[1].Data["kind"])
	assert.Equal(t, false, r.intents[2].Data["isActive"])
}

func TestQueueErrorsAreWrapped(t *testing.T) {
	boom := errors.New("disk full")
	s := newTestService(&recorder{err: boom})
	err := s.DeleteOrder(context.Background(), "o1")
	require.ErrorIs(t, err, boom)
}

// An offline product with variants must land remotely with every variant
// pointing at the product's remote id.
func TestProductTreeSyncsWithRemoteIDs(t *testing.T) {
	ctx := context.Background()
	q, err := queue.OpenAndInit(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store := remote.NewMemoryStore()
	eng := engine.New(q, remote.NewApplier(store), &engine.Config{Logger: quiet})
	t.Cleanup(func() { eng.Close() })

	s := NewService(eng, quiet)
	pid, vids, err := s.CreateProduct(ctx, Product{Name: "Scarf"}, []Variant{{Size: "S"}, {Size: "M"}})
	require.NoError(t, err)
	require.NoError(t, s.UpdateVariantQuantity(ctx, pid, vids[0], 12))

	res, err := eng.FlushQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeDrained, res.Outcome)
	assert.Equal(t, 5, res.Applied)

	m, ok, err := q.LookupMapping(ctx, pid)
	require.NoError(t, err)
	require.True(t, ok)

	product, err := store.Get(ctx, schema.CollectionProducts, m.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, m.RemoteID, product.Fields["id"])

	for _, vid := range vids {
		vm, ok, err := q.LookupMapping(ctx, vid)
		require.NoError(t, err)
		require.True(t, ok)
		variant, err := store.Get(ctx, schema.CollectionVariants, vm.RemoteID)
		require.NoError(t, err)
		assert.Equal(t, m.RemoteID, variant.Fields["productId"])
	}
	assert.Equal(t, 3, store.Len())
}
