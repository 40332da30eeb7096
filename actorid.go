package basp

// ActorID identifies an actor within a node.
type ActorID int64

// InvalidActorID is the sentinel meaning "no actor".
const InvalidActorID ActorID = 0
