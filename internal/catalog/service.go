package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// ErrFinalStatus is returned when an order cannot move further along StatusFlow.
var ErrFinalStatus = errors.New("order is already at its final status")

// Enqueuer accepts mutations for later delivery. *engine.Engine implements it.
type Enqueuer interface {
	QueueMutation(ctx context.Context, intent schema.Intent) (int64, error)
}

// Service issues store front writes as queued mutations.
type Service struct {
	queue  Enqueuer
	logger *log.Logger
	now    func() time.Time
	intn   func(n int) int
}

// NewService returns a Service writing through q. logger may be nil.
func NewService(q Enqueuer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[catalog] ", log.LstdFlags)
	}
	return &Service{
		queue:  q,
		logger: logger,
		now:    time.Now,
		intn:   rand.IntN,
	}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Service) enqueue(ctx context.Context, collection schema.Collection, action schema.Action, id string, data map[string]any) error {
	_, err := s.queue.QueueMutation(ctx, schema.Intent{
		Collection: collection,
		Action:     action,
		DocumentID: id,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("failed to queue %s %s/%s: %w", action, collection, id, err)
	}
	return nil
}

// CreateProduct queues a product and its variants. All records get temporary
// ids and each variant references the product's temporary id. The product is
// queued first so it reaches the remote store before its variants.
func (s *Service) CreateProduct(ctx context.Context, p Product, variants []Variant) (string, []string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return "", nil, fmt.Errorf("product name is required")
	}

	ts := s.timestamp()
	p.ID = schema.NewTemporaryID()
	p.CreatedAt = ts
	p.UpdatedAt = ts
	p.IsSoftDeleted = false

	fields, err := toFields(p)
	if err != nil {
		return "", nil, err
	}
	if err := s.enqueue(ctx, schema.CollectionProducts, schema.ActionCreate, p.ID, fields); err != nil {
		return "", nil, err
	}

	ids := make([]string, 0, len(variants))
	for _, v := range variants {
		v.ID = schema.NewTemporaryID()
		v.ProductID = p.ID
		v.IsSoftDeleted = false
		fields, err := toFields(v)
		if err != nil {
			return p.ID, ids, err
		}
		if err := s.enqueue(ctx, schema.CollectionVariants, schema.ActionCreate, v.ID, fields); err != nil {
			return p.ID, ids, err
		}
		ids = append(ids, v.ID)
	}

	s.logger.Printf("Created product %s %q with %d variant(s)", p.ID, p.Name, len(ids))
	return p.ID, ids, nil
}

// UpdateProduct queues a partial update of a product and stamps updatedAt.
func (s *Service) UpdateProduct(ctx context.Context, id string, fields map[string]any) error {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["updatedAt"] = s.timestamp()
	return s.enqueue(ctx, schema.CollectionProducts, schema.ActionUpdate, id, data)
}

// SoftDeleteProduct hides a product without removing it.
func (s *Service) SoftDeleteProduct(ctx context.Context, id string) error {
	return s.enqueue(ctx, schema.CollectionProducts, schema.ActionSoftDelete, id, nil)
}

// AddVariant queues a new variant for an existing product.
func (s *Service) AddVariant(ctx context.Context, productID string, v Variant) (string, error) {
	v.ID = schema.NewTemporaryID()
	v.ProductID = productID
	v.IsSoftDeleted = false
	fields, err := toFields(v)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, schema.CollectionVariants, schema.ActionCreate, v.ID, fields); err != nil {
		return "", err
	}
	return v.ID, nil
}

// SoftDeleteVariant hides a variant without removing it.
func (s *Service) SoftDeleteVariant(ctx context.Context, id string) error {
	return s.enqueue(ctx, schema.CollectionVariants, schema.ActionSoftDelete, id, nil)
}

// UpdateVariantQuantity sets a variant's stock level and touches the owning
// product's updatedAt.
func (s *Service) UpdateVariantQuantity(ctx context.Context, productID, variantID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("quantity must not be negative, got %d", qty)
	}
	if err := s.enqueue(ctx, schema.CollectionVariants, schema.ActionUpdate, variantID, map[string]any{
		"quantity": qty,
	}); err != nil {
		return err
	}
	return s.enqueue(ctx, schema.CollectionProducts, schema.ActionUpdate, productID, map[string]any{
		"updatedAt": s.timestamp(),
	})
}

// NewOrderNumber returns a display number of the form ELT-NNNNN.
func (s *Service) NewOrderNumber() string {
	return fmt.Sprintf("ELT-%05d", 10000+s.intn(90000))
}

// CreateOrder queues a new order in status new and returns it.
func (s *Service) CreateOrder(ctx context.Context, in OrderInput) (*Order, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("order must have at least one item")
	}
	if strings.TrimSpace(in.Customer.Name) == "" {
		return nil, fmt.Errorf("customer name is required")
	}

	ts := s.timestamp()
	subtotal := in.Subtotal()
	order := &Order{
		ID:           schema.NewTemporaryID(),
		OrderNumber:  s.NewOrderNumber(),
		Customer:     in.Customer,
		Items:        in.Items,
		Subtotal:     subtotal,
		ShippingCost: in.ShippingCost,
		Discount:     in.Discount,
		Tax:          in.Tax,
		Total:        subtotal + in.ShippingCost + in.Tax - in.Discount,
		Status:       StatusNew,
		Timeline:     []TimelineEntry{{Status: StatusNew, Timestamp: ts, Note: "Order placed"}},
		Notes:        in.Notes,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	fields, err := toFields(order)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, schema.CollectionOrders, schema.ActionCreate, order.ID, fields); err != nil {
		return nil, err
	}
	s.logger.Printf("Created order %s (%s) total %.2f", order.OrderNumber, order.ID, order.Total)
	return order, nil
}

// UpdateOrderStatus moves order to status, appends a timeline entry and
// queues the change. order is updated in place.
func (s *Service) UpdateOrderStatus(ctx context.Context, order *Order, status OrderStatus, note string) error {
	if note == "" {
		note = fmt.Sprintf("Status updated to %s", status)
	}
	ts := s.timestamp()
	timeline := append(append([]TimelineEntry(nil), order.Timeline...), TimelineEntry{
		Status:    status,
		Timestamp: ts,
		Note:      note,
	})

	fields, err := toFields(struct {
		Status    OrderStatus     `json:"status"`
		Timeline  []TimelineEntry `json:"timeline"`
		UpdatedAt string          `json:"updatedAt"`
	}{status, timeline, ts})
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, schema.CollectionOrders, schema.ActionUpdate, order.ID, fields); err != nil {
		return err
	}

	order.Status = status
	order.Timeline = timeline
	order.UpdatedAt = ts
	return nil
}

// AdvanceOrderStatus moves order one step along StatusFlow and returns the new
// status. It returns ErrFinalStatus when there is no next step.
func (s *Service) AdvanceOrderStatus(ctx context.Context, order *Order) (OrderStatus, error) {
	next, ok := order.Status.Next()
	if !ok {
		return order.Status, fmt.Errorf("%s (%s): %w", order.OrderNumber, order.Status, ErrFinalStatus)
	}
	if err := s.UpdateOrderStatus(ctx, order, next, ""); err != nil {
		return order.Status, err
	}
	return next, nil
}

// MarkOrderReturned flags an order for return or customer help.
func (s *Service) MarkOrderReturned(ctx context.Context, order *Order) error {
	return s.UpdateOrderStatus(ctx, order, StatusReturned, "Order flagged for return/help")
}

// DeleteOrder removes an order outright.
func (s *Service) DeleteOrder(ctx context.Context, id string) error {
	return s.enqueue(ctx, schema.CollectionOrders, schema.ActionDelete, id, nil)
}

// SaveCustomer queues a new customer, or an update when c.ID is set.
// It returns the customer's id.
func (s *Service) SaveCustomer(ctx context.Context, c Customer) (string, error) {
	action := schema.ActionUpdate
	if c.ID == "" {
		c.ID = schema.NewTemporaryID()
		action = schema.ActionCreate
	}
	fields, err := toFields(c)
	if err != nil {
		return "", err
	}
	fields["updatedAt"] = s.timestamp()
	if err := s.enqueue(ctx, schema.CollectionCustomers, action, c.ID, fields); err != nil {
		return "", err
	}
	return c.ID, nil
}

// AddSize queues a new global size.
func (s *Service) AddSize(ctx context.Context, name string) (string, error) {
	return s.saveSetting(ctx, Setting{Kind: SettingSize, Name: name})
}

// AddCollection queues a new product collection.
func (s *Service) AddCollection(ctx context.Context, name, description string) (string, error) {
	return s.saveSetting(ctx, Setting{Kind: SettingCollection, Name: name, Description: description})
}

func (s *Service) saveSetting(ctx context.Context, st Setting) (string, error) {
	if strings.TrimSpace(st.Name) == "" {
		return "", fmt.Errorf("%s name is required", st.Kind)
	}
	st.ID = schema.NewTemporaryID()
	st.IsActive = true
	st.IsSoftDeleted = false
	fields, err := toFields(st)
	if err != nil {
		return "", err
	}
	fields["createdAt"] = s.timestamp()
	if err := s.enqueue(ctx, schema.CollectionSettings, schema.ActionCreate, st.ID, fields); err != nil {
		return "", err
	}
	return st.ID, nil
}

// SetSettingActive enables or disables a size or collection.
func (s *Service) SetSettingActive(ctx context.Context, id string, active bool) error {
	return s.enqueue(ctx, schema.CollectionSettings, schema.ActionUpdate, id, map[string]any{
		"isActive": active,
	})
}

// SoftDeleteSetting hides a size or collection.
func (s *Service) SoftDeleteSetting(ctx context.Context, id string) error {
	return s.enqueue(ctx, schema.CollectionSettings, schema.ActionSoftDelete, id, nil)
}
