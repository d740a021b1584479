// Package admission exposes the Bastion admission pipeline for embedding.
package admission

import (
	internaladmission "github.com/SmitUplenchwar2687/Bastion/internal/admission"
)

// Pipeline runs the admission checks for a request.
type Pipeline = internaladmission.Pipeline

// Request is the identity and shape of an inbound request.
type Request = internaladmission.Request

// Verdict is the result of Pipeline.Check.
type Verdict = internaladmission.Verdict

// Outcome classifies a verdict.
type Outcome = internaladmission.Outcome

const (
	OutcomeAllowed   = internaladmission.OutcomeAllowed
	OutcomeBypass    = internaladmission.OutcomeBypass
	OutcomeLimited   = internaladmission.OutcomeLimited
	OutcomeBlocked   = internaladmission.OutcomeBlocked
	OutcomeDenied    = internaladmission.OutcomeDenied
	OutcomeDetected  = internaladmission.OutcomeDetected
	OutcomeChallenge = internaladmission.OutcomeChallenge
)

const (
	HeaderLimit      = internaladmission.HeaderLimit
	HeaderRemaining  = internaladmission.HeaderRemaining
	HeaderReset      = internaladmission.HeaderReset
	HeaderRetryAfter = internaladmission.HeaderRetryAfter
)
