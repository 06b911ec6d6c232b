package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/davidroman0O/eventsaga"
	"github.com/k0kubun/pp/v3"
	"golang.org/x/sync/errgroup"
)

// Runs the classic checkout saga against a few aggregates at once. Orders
// whose charge fails get unwound: Release undoes Reserve, in reverse
// completion order.

func buildCheckout(failCharge map[string]bool) (*eventsaga.SagaDefinition, error) {
	return eventsaga.NewSaga("Checkout", "OrderPlaced").
		Step(eventsaga.Step{
			Name:                "Reserve",
			ActivatingEventType: "ReserveRequested",
			Action: func(ctx context.Context, event eventsaga.DomainEvent) (interface{}, error) {
				fmt.Printf("reserving inventory for %s\n", event.AggregateID)
				return "reservation-" + string(event.AggregateID), nil
			},
			Compensation: func(ctx context.Context, event eventsaga.CompensationEvent) error {
				fmt.Printf("releasing inventory for %s (%s)\n", event.AggregateID, event.FailureReason)
				return nil
			},
		}).
		Step(eventsaga.Step{
			Name:                "Charge",
			ActivatingEventType: "ReservationConfirmed",
			TimeBudget:          5 * time.Second,
			Action: func(ctx context.Context, event eventsaga.DomainEvent) (interface{}, error) {
				if failCharge[string(event.AggregateID)] {
					return nil, fmt.Errorf("card declined for %s", event.AggregateID)
				}
				fmt.Printf("charging payment for %s\n", event.AggregateID)
				return "charge-" + string(event.AggregateID), nil
			},
			Compensation: func(ctx context.Context, event eventsaga.CompensationEvent) error {
				fmt.Printf("refunding payment for %s\n", event.AggregateID)
				return nil
			},
		}).
		Step(eventsaga.Step{
			Name:                "Ship",
			ActivatingEventType: "PaymentCaptured",
			Action: func(ctx context.Context, event eventsaga.DomainEvent) (interface{}, error) {
				fmt.Printf("shipping order %s\n", event.AggregateID)
				return "tracking-" + string(event.AggregateID), nil
			},
		}).
		Build()
}

func main() {
	configPath := flag.String("config", "", "optional engine config file")
	flag.Parse()

	opts := []eventsaga.Option{}
	if *configPath != "" {
		cfg, err := eventsaga.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		opts = append(opts, eventsaga.WithConfig(cfg))
	}

	ctx := context.Background()
	engine, err := eventsaga.New(ctx, opts...)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer engine.Close()

	checkout, err := buildCheckout(map[string]bool{"order-2": true})
	if err != nil {
		log.Fatalf("definition: %v", err)
	}
	if err := engine.RegisterSaga(checkout); err != nil {
		log.Fatalf("register: %v", err)
	}

	orders := []string{"order-1", "order-2", "order-3"}

	g, _ := errgroup.WithContext(ctx)
	for _, order := range orders {
		order := order
		g.Go(func() error {
			engine.ProcessEvent(eventsaga.DomainEvent{
				AggregateID: eventsaga.AggregateID(order),
				EventID:     order + "-placed",
				EventType:   "OrderPlaced",
				OccurredAt:  time.Now(),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("publish: %v", err)
	}
	if err := engine.Wait(ctx); err != nil {
		log.Fatalf("wait: %v", err)
	}

	active, err := engine.ListActiveInstances()
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	instanceIDs := make([]eventsaga.InstanceID, 0, len(active))
	for _, info := range active {
		instanceIDs = append(instanceIDs, info.ID)
	}

	for _, eventType := range []eventsaga.EventType{"ReservationConfirmed", "PaymentCaptured"} {
		for _, order := range orders {
			engine.ProcessEvent(eventsaga.DomainEvent{
				AggregateID: eventsaga.AggregateID(order),
				EventID:     fmt.Sprintf("%s-%s", order, eventType),
				EventType:   eventType,
				OccurredAt:  time.Now(),
			})
		}
		if err := engine.Wait(ctx); err != nil {
			log.Fatalf("wait: %v", err)
		}
	}

	for _, id := range instanceIDs {
		info, err := engine.GetInstance(id)
		if err != nil {
			log.Fatalf("get instance: %v", err)
		}
		pp.Println(info)
	}
}
