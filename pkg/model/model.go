// Package model holds the entities shared across the scan pipeline:
// jobs, tenants, platforms, rulesets, locks and the error taxonomy.
package model

import (
	"time"
)

// Cloud identifies the provider a tenant lives in.
type Cloud string

const (
	CloudAWS        Cloud = "AWS"
	CloudAzure      Cloud = "AZURE"
	CloudGoogle     Cloud = "GOOGLE"
	CloudKubernetes Cloud = "KUBERNETES"
)

// Valid reports whether c is one of the four supported providers.
func (c Cloud) Valid() bool {
	switch c {
	case CloudAWS, CloudAzure, CloudGoogle, CloudKubernetes:
		return true
	}
	return false
}

// GlobalLocation is the sentinel location for findings that are not bound to
// a region. It is spelled uppercase in shard keys; the statistics artifact
// lowercases it on write.
const GlobalLocation = "GLOBAL"

// AzurePseudoLocation is the pseudo-region the Azure scanner emits everything
// under. Parts at this location must be regrouped by each resource's real
// location before they reach the latest collection.
const AzurePseudoLocation = "AzureCloud"

// ErrorType is the failure taxonomy surfaced per rule run.
type ErrorType string

const (
	// ErrorAccess: identity authenticated but authorization denied on the resource.
	ErrorAccess ErrorType = "ACCESS"
	// ErrorCredentials: authentication failed or token expired.
	ErrorCredentials ErrorType = "CREDENTIALS"
	// ErrorClient: provider returned a well-formed non-auth error (throttling, bad input).
	ErrorClient ErrorType = "CLIENT"
	// ErrorInternal: uncaught failure in policy evaluation.
	ErrorInternal ErrorType = "INTERNAL"
	// ErrorSkipped: not attempted because an earlier fatal condition short-circuited the job.
	ErrorSkipped ErrorType = "SKIPPED"
)

// JobStatus is the lifecycle state of a Job. Transitions are monotone:
// STARTING -> RUNNING -> {SUCCEEDED | FAILED}.
type JobStatus string

const (
	StatusStarting  JobStatus = "STARTING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// rank orders statuses for the monotonicity guard.
func (s JobStatus) rank() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the state machine.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// JobType distinguishes how a job was submitted.
type JobType string

const (
	JobStandard    JobType = "standard"
	JobScheduled   JobType = "scheduled"
	JobEventDriven JobType = "event-driven"
)

// Job is one scan run against one tenant. It is created by the controller
// (or pre-created by the API for standard jobs) and mutated only by the
// job lifecycle controller.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	TenantName  string     `json:"tenant_name"`
	Customer    string     `json:"customer_name"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`

	// Rulesets holds ruleset names (optionally name:version). For licensed
	// rulesets the quota broker rewrites these to the versions it authorized.
	Rulesets    []string `json:"rulesets"`
	Regions     []string `json:"regions,omitempty"`
	RulesToScan []string `json:"rules_to_scan,omitempty"`

	AffectedLicense   string   `json:"affected_license,omitempty"`
	ScheduledRuleName string   `json:"scheduled_rule_name,omitempty"`
	PlatformID        string   `json:"platform_id,omitempty"`
	BatchResultIDs    []string `json:"batch_result_ids,omitempty"`

	// Reason is set when the job fails; Warnings accumulate non-fatal
	// loader findings (duplicate policies, unknown resource types).
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Terminal failure reasons with contractual spelling.
const (
	ReasonLicenseDenied = "LM_DID_NOT_ALLOW"
	ReasonNoCredentials = "NO_CREDENTIALS"
	ReasonTimeout       = "TIMEOUT"
	ReasonInternal      = "INTERNAL"
	ReasonNoPolicies    = "no loadable policies"
	ReasonTimeExceeded  = "time exceeded"
)

// Tenant is a scan target: an AWS account, Azure subscription, GCP project
// or (via Platform) a Kubernetes cluster. Immutable for the duration of a scan.
type Tenant struct {
	Name     string `json:"name"`
	Cloud    Cloud  `json:"cloud"`
	Customer string `json:"customer_name"`

	// ProjectID is the provider-side identity of the tenant (account id,
	// subscription id, project id). Opaque to the pipeline.
	ProjectID string `json:"project_id"`

	Activated bool     `json:"activated"`
	Regions   []string `json:"regions,omitempty"`

	// DisabledRules are excluded from every job on this tenant.
	DisabledRules []string `json:"disabled_rules,omitempty"`

	// ParentApplicationID links the tenant to a CUSTODIAN_ACCESS application
	// whose secret resolves to scan credentials.
	ParentApplicationID string `json:"parent_application_id,omitempty"`
}

// Customer groups tenants and carries customer-wide rule exclusions.
type Customer struct {
	Name          string   `json:"name"`
	DisabledRules []string `json:"disabled_rules,omitempty"`
}

// PlatformType is the flavor of a Kubernetes scan target.
type PlatformType string

const (
	PlatformEKS         PlatformType = "EKS"
	PlatformAKS         PlatformType = "AKS"
	PlatformGKE         PlatformType = "GKE"
	PlatformSelfManaged PlatformType = "SELF_MANAGED"
)

// Platform is a Kubernetes cluster hosted inside a tenant. A platform always
// scans as CloudKubernetes regardless of the parent tenant's cloud.
type Platform struct {
	ID         string       `json:"id"`
	TenantName string       `json:"tenant_name"`
	Type       PlatformType `json:"type"`
	Name       string       `json:"name"`
	Region     string       `json:"region,omitempty"`

	// SecretRef names a secret-store entry holding a kubeconfig and/or a
	// bearer token for the cluster.
	SecretRef string `json:"secret_ref,omitempty"`
}

// Ruleset is a published, versioned bundle of policies.
type Ruleset struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Cloud   Cloud  `json:"cloud"`

	// LicenseKey is non-empty for licensed rulesets; those require quota
	// broker pre-authorization before a job may run them.
	LicenseKey string   `json:"license_key,omitempty"`
	RuleIDs    []string `json:"rule_ids,omitempty"`

	// ContentRef locates the opaque policy document (s3:// URI or URL).
	ContentRef string `json:"content_ref"`
}

// Licensed reports whether the ruleset is gated by a license key.
func (r Ruleset) Licensed() bool { return r.LicenseKey != "" }

// Application is an access grant record. CUSTODIAN_ACCESS applications link
// tenants to the secret that materializes their scan credentials.
type Application struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Customer  string `json:"customer_name,omitempty"`
	SecretRef string `json:"secret_ref"`
}

// AppTypeCustodianAccess marks applications usable by the credentials chain.
const AppTypeCustodianAccess = "CUSTODIAN_ACCESS"

// Lock is the per-tenant concurrency guard. At most one active lock exists
// per tenant name; it names the owning job and the regions it covers.
type Lock struct {
	TenantName string   `json:"tenant_name"`
	JobID      string   `json:"job_id"`
	Regions    []string `json:"regions,omitempty"`
}

// BatchResult is the plan fragment of an event-driven job: the rules to
// re-scan per region, derived from external change events.
type BatchResult struct {
	ID         string              `json:"id"`
	TenantName string              `json:"tenant_name"`
	Customer   string              `json:"customer_name"`
	Rules      map[string][]string `json:"rules"` // region -> rule names
}

// ScheduledEntry is a scheduler record a scheduled job is created from.
type ScheduledEntry struct {
	Name              string     `json:"name"`
	TenantName        string     `json:"tenant_name"`
	Customer          string     `json:"customer_name"`
	Rulesets          []string   `json:"rulesets"`
	Schedule          string     `json:"schedule,omitempty"` // cron expression
	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`
	NextScheduledRun  *time.Time `json:"next_scheduled_run,omitempty"`
}
