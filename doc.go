// Package troupe is a lightweight actor runtime: typed messages
// delivered through bounded mailboxes, actors driven by a supervised
// execution loop, and restart strategies arranged into trees.
//
// A System ties the pieces together. Spawn starts standalone actors,
// SpawnSupervised starts a supervision tree, and Send, Publish and
// Request move envelopes between them through the system's broker:
//
//	sys, err := troupe.NewSystem()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sys.Shutdown(context.Background())
//
//	addr, err := sys.Spawn(func() actor.Actor { return &Greeter{} })
//	if err != nil {
//		log.Fatal(err)
//	}
//	_ = sys.Send(ctx, addr, Hello{Name: "world"})
//
// The subpackages are usable on their own: message defines the
// envelope model, mailbox the queues and backpressure policies,
// broker the routing layer, actor the execution loop and supervisor
// the trees.
package troupe
