// Package messaging is the dispatch core: a registry of typed handlers, a
// pool of workers per message type, and the loop each worker runs against a
// QueueAdapter.
//
// Every worker repeatedly dequeues from its type's queue, looks the envelope's
// type up in the registry and invokes the handler. Success acknowledges the
// message. Failure requeues a copy with an incremented retry count until
// maxRetries is reached, after which the message goes to the adapter's
// dead-letter destination. Messages of unregistered types are dead-lettered
// straight away.
//
// Example usage:
//
//	svc, err := messaging.NewService(adapter,
//		messaging.WithMaxRetries(3),
//		messaging.WithWorkerCount("orders.placed", 4),
//	)
//	if err != nil {
//		return err
//	}
//
//	err = svc.RegisterHandler("orders.placed",
//		messaging.Handle(func(ctx context.Context, o OrderPlaced, env *contracts.Envelope) error {
//			return ship(ctx, o)
//		}),
//		nil,
//	)
//
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Stop(context.Background())
//
// Delivery is at-least-once; handlers should be idempotent.
package messaging
