// Package store provides the bi-temporal entity store backing the
// consolidation engine.
package store

import (
	"time"
)

// Kind identifies the specialized attribute set an entity carries.
type Kind string

// Entity kinds. Reference kinds (Tool, Domain, OperationalState, Human,
// Persona) carry no content payload.
const (
	KindSession          Kind = "Session"
	KindInsight          Kind = "Insight"
	KindObservation      Kind = "Observation"
	KindPattern          Kind = "Pattern"
	KindBelief           Kind = "Belief"
	KindDecision         Kind = "Decision"
	KindExperience       Kind = "Experience"
	KindOperationalState Kind = "OperationalState"
	KindFriction         Kind = "Friction"
	KindTool             Kind = "Tool"
	KindQuestion         Kind = "Question"
	KindSutra            Kind = "Sutra"
	KindHuman            Kind = "Human"
	KindGoal             Kind = "Goal"
	KindCapability       Kind = "Capability"
	KindLimitation       Kind = "Limitation"
	KindPersona          Kind = "Persona"
	KindProtocol         Kind = "Protocol"
	KindDomain           Kind = "Domain"
	KindReflection       Kind = "Reflection"
	KindProposal         Kind = "Proposal"
)

// referenceKinds carry no textual payload; content is optional for them.
var referenceKinds = map[Kind]bool{
	KindTool:             true,
	KindDomain:           true,
	KindOperationalState: true,
	KindHuman:            true,
	KindPersona:          true,
	KindSession:          true,
	KindProposal:         true,
}

// knownKinds is the closed set of entity kinds accepted by Create.
var knownKinds = map[Kind]bool{
	KindSession: true, KindInsight: true, KindObservation: true,
	KindPattern: true, KindBelief: true, KindDecision: true,
	KindExperience: true, KindOperationalState: true, KindFriction: true,
	KindTool: true, KindQuestion: true, KindSutra: true, KindHuman: true,
	KindGoal: true, KindCapability: true, KindLimitation: true,
	KindPersona: true, KindProtocol: true, KindDomain: true,
	KindReflection: true, KindProposal: true,
}

// Status is the lifecycle state of an entity version.
type Status string

const (
	StatusProvisional Status = "provisional"
	StatusConfirmed   Status = "confirmed"
	StatusDeprecated  Status = "deprecated"
	StatusArchived    Status = "archived"

	// StatusEmerging is the initial Pattern state, before the occurrence
	// threshold promotes it to confirmed.
	StatusEmerging Status = "emerging"
)

// Proposal statuses. Proposals are entities of KindProposal whose status
// moves through a restricted machine driven by external governance; the
// engine only ever creates pending_review proposals.
const (
	ProposalPendingReview Status = "pending_review"
	ProposalApproved      Status = "approved"
	ProposalRejected      Status = "rejected"
	ProposalNeedsResearch Status = "needs_research"
	ProposalImplemented   Status = "implemented"
)

// Entity is one version of a piece of knowledge. A lineage is the chain of
// versions linked by SUPERSEDES edges; at most one version per lineage has
// ValidTo == nil and that version is the active representative.
type Entity struct {
	ID          string
	Kind        Kind
	LineageID   string // shared by all versions of one logical entity
	Content     string
	Confidence  float64 // expected correctness frequency in [0,1]
	Domain      string
	Embedding   []float32
	Status      Status
	Recurrence  int // occurrence/recurrence count, non-decreasing
	Resolution  string
	ProposalKey string // set for KindProposal only
	CreatedAt   time.Time
	ValidFrom   time.Time
	ValidTo     *time.Time
	Metadata    map[string]interface{}
}

// Active reports whether this version is the current representative of its
// lineage.
func (e *Entity) Active() bool {
	return e.ValidTo == nil && e.Status != StatusArchived
}

// RelType identifies a relationship type.
type RelType string

const (
	RelProduced         RelType = "PRODUCED"
	RelLedTo            RelType = "LED_TO"
	RelContradicts      RelType = "CONTRADICTS"
	RelEvolvedFrom      RelType = "EVOLVED_FROM"
	RelSupersedes       RelType = "SUPERSEDES"
	RelRefines          RelType = "REFINES"
	RelCrystallizedInto RelType = "CRYSTALLIZED_INTO"
	RelMergedInto       RelType = "MERGED_INTO"
	RelInherited        RelType = "INHERITED"
	RelManifestationOf  RelType = "MANIFESTATION_OF"
	RelOperatesIn       RelType = "OPERATES_IN"
	RelReferences       RelType = "REFERENCES"
	RelWorkedWith       RelType = "WORKED_WITH"
	RelActivated        RelType = "ACTIVATED"
	RelFollowed         RelType = "FOLLOWED"
	RelServes           RelType = "SERVES"
	RelUsed             RelType = "USED"
	RelBlockedBy        RelType = "BLOCKED_BY"
	RelProposes         RelType = "PROPOSES"
)

// Relationship is a typed, directed edge. Edges are never deleted; a
// superseded edge gets ValidTo set instead.
type Relationship struct {
	ID         string
	Type       RelType
	SourceID   string
	SourceKind Kind
	TargetID   string
	TargetKind Kind
	ValidFrom  time.Time
	ValidTo    *time.Time
	CreatedAt  time.Time
	Attrs      map[string]interface{}
}

// kindPair is one allowed (source, target) combination for an edge type.
type kindPair struct {
	source Kind
	target Kind
}

// anyKind matches every kind in the allow-list below.
const anyKind Kind = "*"

// edgeAllowList is the static catalog of valid (source, target) kind pairs
// per relationship type. Edge creation is rejected unless the pair appears
// here.
var edgeAllowList = map[RelType][]kindPair{
	RelProduced: {
		{KindSession, anyKind},
	},
	RelLedTo: {
		{KindExperience, KindInsight}, {KindExperience, KindDecision}, {KindExperience, KindBelief},
		{KindInsight, KindInsight}, {KindInsight, KindDecision}, {KindInsight, KindBelief},
		{KindDecision, KindInsight}, {KindDecision, KindDecision}, {KindDecision, KindBelief},
		{KindFriction, KindInsight}, {KindFriction, KindDecision}, {KindFriction, KindBelief},
	},
	RelContradicts: {
		{KindBelief, KindBelief}, {KindInsight, KindInsight},
		{KindInsight, KindBelief}, {KindBelief, KindInsight},
		{KindObservation, KindBelief}, {KindPattern, KindPattern},
	},
	RelEvolvedFrom: {{anyKind, anyKind}},
	RelSupersedes:  {{anyKind, anyKind}},
	RelRefines:     {{anyKind, anyKind}},
	RelCrystallizedInto: {
		{KindObservation, KindInsight}, {KindInsight, KindBelief},
		{KindInsight, KindSutra},
	},
	RelMergedInto: {
		{KindObservation, KindInsight}, {KindObservation, KindObservation},
		{KindInsight, KindInsight}, {KindBelief, KindBelief},
		{KindFriction, KindFriction}, {KindPattern, KindPattern},
		{KindQuestion, KindQuestion},
	},
	RelInherited: {{KindSession, anyKind}},
	RelManifestationOf: {
		{KindFriction, KindPattern}, {KindObservation, KindPattern},
	},
	RelOperatesIn: {{anyKind, KindDomain}},
	RelReferences: {{KindSession, anyKind}},
	RelWorkedWith: {{KindSession, KindHuman}},
	RelActivated:  {{KindSession, KindPersona}},
	RelFollowed:   {{KindSession, KindProtocol}},
	RelServes:     {{KindSession, KindGoal}},
	RelUsed:       {{KindSession, KindTool}},
	RelBlockedBy:  {{KindSession, KindFriction}, {KindGoal, KindFriction}},
	RelProposes:   {{KindProposal, anyKind}},
}

// edgeAllowed reports whether the (source, target) kind pair is valid for
// the relationship type.
func edgeAllowed(rel RelType, source, target Kind) bool {
	pairs, ok := edgeAllowList[rel]
	if !ok {
		return false
	}
	for _, p := range pairs {
		if (p.source == anyKind || p.source == source) &&
			(p.target == anyKind || p.target == target) {
			return true
		}
	}
	return false
}

// InheritedKinds is the fixed kind set snapshotted at session open.
var InheritedKinds = []Kind{
	KindBelief, KindInsight, KindPattern, KindSutra,
	KindProtocol, KindLimitation, KindCapability,
}
