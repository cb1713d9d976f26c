package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/catalog"
	"github.com/eliteoms/oms/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed",
	GroupID: "setup",
	Short:   "Queue a sample product, size, collection and order",
	Long: `Queue a small set of related records the way the back office creates
them: a collection and a size, a product with two variants that reference it
by temporary id, and an order for one of the variants.

Useful for trying a drain against a fresh remote store. Nothing is sent until
'omssync flush' or the daemon runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		store, closer, err := openRemote()
		if err != nil {
			return err
		}
		defer closer.Close()

		eng := newEngine(q, store, false)
		defer eng.Close()

		svc := catalog.NewService(eng, logs.Logger("catalog"))

		collectionID, err := svc.AddCollection(ctx, "Summer", "Light fabrics for warm days")
		if err != nil {
			return err
		}
		if _, err := svc.AddSize(ctx, "M"); err != nil {
			return err
		}

		productID, variantIDs, err := svc.CreateProduct(ctx,
			catalog.Product{
				Name:         "Linen Shirt",
				Description:  "Relaxed fit, washed linen",
				CollectionID: collectionID,
			},
			[]catalog.Variant{
				{Size: "M", Color: "white", SKU: "LS-M-WHT", CostPrice: 12, SellPrice: 35, Quantity: 10},
				{Size: "L", Color: "white", SKU: "LS-L-WHT", CostPrice: 12, SellPrice: 35, Quantity: 6},
			})
		if err != nil {
			return err
		}

		order, err := svc.CreateOrder(ctx, catalog.OrderInput{
			Customer: catalog.Customer{Name: "Sample Customer", Phone: "0100000000", Address: "1 Main St", City: "Cairo"},
			Items: []catalog.OrderItem{
				{ProductID: productID, Name: "Linen Shirt", Qty: 1, UnitPrice: 35},
			},
			ShippingCost: 5,
		})
		if err != nil {
			return err
		}
		if err := svc.UpdateVariantQuantity(ctx, productID, variantIDs[0], 9); err != nil {
			return err
		}

		depth, err := q.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Queued sample data for sync\n", ui.RenderPass("✓"))
		fmt.Printf("   Product: %s (%d variants)\n", productID, len(variantIDs))
		fmt.Printf("   Order: %s (%s)\n", order.OrderNumber, order.ID)
		fmt.Printf("   Queue depth: %d\n", depth)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
