// Package node is the supervisor that wires identity, consensus,
// randomness, the game state machine, the ledger, the mesh handler,
// and the resource governors together behind the submitter API
// (SubmitOperation, AwaitCommit, SubscribeState, GetRandomnessProof),
// without a runtime cycle between consensus and mesh.
//
// Package consensus and package mesh each expose a narrow handler
// interface/callback and know nothing about each other. Node is the
// single owner that holds both and relays between them: consensus
// output (votes, view changes) goes out through mesh.Handler.Originate;
// mesh input comes in through mesh.Handler.Deliver, which Node routes
// by packet kind into the engine, the randomness manager, or the
// ledger. Neither consensus nor mesh imports the other.
package node
