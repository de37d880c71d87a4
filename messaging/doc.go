// Package messaging runs the broker-facing workers of the vehicle tracking
// service and the RPC client that talks to them.
//
//   - SubscriberWorker consumes events and hands valid envelopes to an
//     EventHandler. Each delivery is settled exactly once and the loop never
//     stops on a bad message.
//   - RequestWorker answers RPC requests on its route and replies to the
//     caller's replyTo queue with the caller's correlation id.
//   - RequestClient issues RPC calls over a private reply queue and waits
//     for the reply whose correlation id matches.
//
// Workers own one rabbitmq.ConnectionManager each. With a prefetch of one,
// a worker processes its deliveries strictly in sequence.
//
// Example:
//
//	manager, err := rabbitmq.NewConnectionManager(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer manager.Close()
//
//	worker := messaging.NewSubscriberWorker(manager, func(ctx context.Context, payload []byte) error {
//		return store.Save(ctx, payload)
//	})
//	return worker.Run(ctx)
package messaging
