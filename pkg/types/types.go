// Package types defines the durable-execution domain model: components,
// plugins, workers, oplog entries, and shard-manager pods. These are the
// shapes every other package builds on; nothing here talks to storage or
// the network.
package types

import "time"

// Owner is the principal + project scope under which components and
// plugins live. Auth itself is out of scope; Owner is treated as an
// opaque capability handed to us by a collaborator service.
type Owner interface {
	// Namespace returns the stringly-typed key used by repo/blob layers
	// to partition rows and keys by tenant.
	Namespace() string
	// AccountID returns the owning account, used for quota and billing
	// hooks outside this module.
	AccountID() string
}

// ComponentOwner is the concrete Owner used for component/plugin scoping.
type ComponentOwner struct {
	AccountIDValue string
	ProjectID      string
}

func (o ComponentOwner) Namespace() string { return o.AccountIDValue + "/" + o.ProjectID }
func (o ComponentOwner) AccountID() string { return o.AccountIDValue }

// ToPluginOwner converts a ComponentOwner into the (identical-shaped)
// PluginOwner scope. The conversion is total: every component owner
// resolves to exactly one plugin owner.
func (o ComponentOwner) ToPluginOwner() PluginOwner {
	return PluginOwner{AccountIDValue: o.AccountIDValue, ProjectID: o.ProjectID}
}

// PluginOwner scopes plugin definitions. Distinct type from ComponentOwner
// so a caller can't accidentally pass a plugin scope where a component
// scope belongs, even though the two are presently isomorphic.
type PluginOwner struct {
	AccountIDValue string
	ProjectID      string
}

func (o PluginOwner) Namespace() string { return o.AccountIDValue + "/" + o.ProjectID }
func (o PluginOwner) AccountID() string { return o.AccountIDValue }

// ComponentType classifies how a component's workers persist state.
type ComponentType string

const (
	ComponentDurable   ComponentType = "durable"
	ComponentEphemeral ComponentType = "ephemeral"
)

// VersionedComponentId uniquely identifies one version of one component.
type VersionedComponentId struct {
	ComponentID string
	Version     uint64
}

// FunctionSignature describes one exported or imported function's shape,
// the unit tracked by ComponentConstraint.
type FunctionSignature struct {
	Name          string
	ParameterTypes []string
	ReturnType    string
}

// Key returns the stable identity of a signature for constraint lookups.
// Two signatures with the same Key may still conflict on parameters or
// return type; Key only identifies "the same call site".
func (f FunctionSignature) Key() string { return f.Name }

// ComponentMetadata is the analysed shape of a component binary: its
// exports/imports, the dynamic-linking table, and the declared root
// package, if any.
type ComponentMetadata struct {
	Exports       []FunctionSignature
	Imports       []FunctionSignature
	DynamicLinks  []DynamicLinkEntry
	RootPackage   string
	RootPackageVer string
	SizeBytes     int64
}

// DynamicLinkEntry records one entry of a component's dynamic-linking
// table — another component/library this one expects to be plugged at
// transform time.
type DynamicLinkEntry struct {
	Name   string
	Target string
}

// FilePermission is the access mode of an InitialComponentFile.
type FilePermission string

const (
	FilePermissionReadOnly  FilePermission = "read-only"
	FilePermissionReadWrite FilePermission = "read-write"
)

// InitialComponentFile is a file materialised into a worker's filesystem
// on first load. Key is a random per-upload blob store key, not a content
// hash, so identical contents uploaded twice occupy two blobs.
type InitialComponentFile struct {
	Path       string
	Key        string
	Permission FilePermission
}

// PluginInstallation binds one plugin, at one priority, with parameters,
// into a component's transform pipeline.
type PluginInstallation struct {
	ID         string
	PluginID   string
	PluginName string
	Priority   int32
	Parameters map[string]string
}

// Component is the full row for one (owner, component_id, version).
type Component struct {
	Owner         ComponentOwner
	ComponentID   string
	Version       uint64
	Name          string
	SizeBytes     int64
	Metadata      ComponentMetadata
	Type          ComponentType
	UserKey       string
	ProtectedKey  string
	Files         []InitialComponentFile
	Plugins       []PluginInstallation
	Env           map[string]string
	CreatedAt     time.Time
}

// ConflictKind enumerates the ways a constrained function signature can
// fail to carry over into a new component version.
type ConflictKind string

const (
	ConflictMissing               ConflictKind = "missing"
	ConflictParameterTypeMismatch ConflictKind = "parameter_type_conflict"
	ConflictReturnTypeMismatch    ConflictKind = "return_type_conflict"
)

// ParameterTypeConflict carries the two disagreeing parameter lists.
type ParameterTypeConflict struct {
	Existing []string
	New      []string
}

// ConflictingFunction is one entry of a ConstraintConflictReport.
type ConflictingFunction struct {
	Function              string
	Kind                  ConflictKind
	ParameterTypeConflict *ParameterTypeConflict
	ReturnTypeConflict    *struct{ Existing, New string }
}

// ConstraintConflictReport is the accumulated result of checking a new
// component binary against previously observed call sites.
type ConstraintConflictReport struct {
	ConflictingFunctions []ConflictingFunction
}

// Empty reports whether the conflict report found no conflicts.
func (r ConstraintConflictReport) Empty() bool { return len(r.ConflictingFunctions) == 0 }

// ComponentConstraint is the accumulated set of function signatures
// observed at call sites against a component, used to block updates that
// would break existing callers.
type ComponentConstraint struct {
	ComponentID string
	Functions   map[string]FunctionSignature
}

// PluginSpecKind discriminates the PluginSpec union.
type PluginSpecKind string

const (
	PluginSpecTransformer   PluginSpecKind = "component_transformer"
	PluginSpecLibrary       PluginSpecKind = "library"
	PluginSpecApp           PluginSpecKind = "app"
	PluginSpecOplogProcessor PluginSpecKind = "oplog_processor"
)

// PluginSpec is the tagged union of plugin behaviors. Exactly one of the
// fields matching Kind is populated.
type PluginSpec struct {
	Kind PluginSpecKind

	// Transformer: an HTTP endpoint that accepts {binary, parameters}
	// and returns the replacement binary.
	TransformerURL string

	// Library / App: a blob key pointing at WASM bytes to compose
	// against the component under transform.
	BlobKey string

	// OplogProcessor carries no transform-time behavior; it is only
	// relevant to worker execution (processing oplog entries as they
	// are written).
	OplogProcessorConfig map[string]string
}

// Plugin is an immutable, versioned, named transformation.
type Plugin struct {
	Owner   PluginOwner
	Name    string
	Version uint64
	Spec    PluginSpec
}

// WorkerId identifies one worker instance of one component.
type WorkerId struct {
	ComponentID string
	WorkerName  string
}

// ShardID partitions the worker-name space; each shard is owned by
// exactly one executor pod at a time.
type ShardID uint32

// Pod is a shard-manager-visible executor process.
type Pod struct {
	Name    string
	Address string
}

// OplogEntryKind discriminates OplogEntry payloads.
type OplogEntryKind string

const (
	OplogEntryInvocationStart    OplogEntryKind = "invocation_start"
	OplogEntryInvocationEnd      OplogEntryKind = "invocation_end"
	OplogEntryHostCall           OplogEntryKind = "host_call"
	OplogEntryScheduledWakeup    OplogEntryKind = "scheduled_wakeup"
	OplogEntryImportedCall       OplogEntryKind = "imported_call"
	OplogEntryEpochTick          OplogEntryKind = "epoch_tick"
	OplogEntryPreviousInvocationFailed OplogEntryKind = "previous_invocation_failed"
)

// OplogEntry is one append-only, replayable record in a worker's oplog.
type OplogEntry struct {
	Index     uint64
	Kind      OplogEntryKind
	Timestamp time.Time

	// HostCall fields (populated when Kind == OplogEntryHostCall).
	CallName     string
	InputDigest  []byte
	Result       []byte

	// ScheduledWakeup fields.
	WakeupAt time.Time

	// Free-form payload for the remaining entry kinds.
	Payload []byte
}

// DurableFunctionType classifies a host call by its persistence/replay
// policy.
type DurableFunctionType string

const (
	ReadLocal   DurableFunctionType = "read_local"
	WriteLocal  DurableFunctionType = "write_local"
	ReadRemote  DurableFunctionType = "read_remote"
	WriteRemote DurableFunctionType = "write_remote"
)

// WorkerStatus is the lifecycle state of a worker instance.
type WorkerStatus string

const (
	WorkerLoading    WorkerStatus = "loading"
	WorkerReplaying  WorkerStatus = "replaying"
	WorkerRunning    WorkerStatus = "running"
	WorkerSuspended  WorkerStatus = "suspended"
	WorkerTerminated WorkerStatus = "terminated"
)

// InterruptKind distinguishes a resumable suspend from a terminal exit.
type InterruptKind string

const (
	InterruptSuspend InterruptKind = "suspend"
	InterruptExit    InterruptKind = "exit"
	InterruptDelete  InterruptKind = "delete"
)

// RetryConfig is the backoff policy used by shard-manager health probes
// and compilation-queue task retries.
type RetryConfig struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultRetryConfig mirrors the defaults used throughout the reference
// implementation's retriable-I/O call sites.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}
