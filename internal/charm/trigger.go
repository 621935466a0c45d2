// Package charm decides whether and how a catalog sync pass runs in
// response to an event.
package charm

// Trigger is the reason a sync is considered. The set of triggers is
// closed: [RelationChanged], [SecretChanged], [PeriodicTick] and
// [RelationBroken].
type Trigger interface {
	trigger()
}

// RelationChanged reports new or changed catalog relation data.
type RelationChanged struct{}

// SecretChanged reports a change of the secret with the given ID.
type SecretChanged struct {
	SecretID string
}

// PeriodicTick is the periodic status update.
type PeriodicTick struct {
	// KnownDigest is the credential digest recorded by the last pass.
	KnownDigest string
}

// RelationBroken reports that a relation was removed.
type RelationBroken struct {
	Relation string
}

func (RelationChanged) trigger() {}
func (SecretChanged) trigger()   {}
func (PeriodicTick) trigger()    {}
func (RelationBroken) trigger()  {}
