package ledger

// ContractKind identifies the role of a deployed contract instance. Each
// rental agreement owns exactly one instance of every kind.
type ContractKind string

const (
	KindRentalTerms        ContractKind = "rental_terms"
	KindPaymentSchedule    ContractKind = "payment_schedule"
	KindDisputeArbitration ContractKind = "dispute_arbitration"
)

// DeploymentOrder is the fixed order in which an agreement's contracts are
// deployed. Later contracts mirror parameters established by earlier ones.
var DeploymentOrder = []ContractKind{
	KindRentalTerms,
	KindPaymentSchedule,
	KindDisputeArbitration,
}

// ABI event names emitted by the contracts.
const (
	EventLandlordSigned  = "ContractSignedByLandlord"
	EventTenantSigned    = "ContractSignedByTenant"
	EventTerminated      = "ContractTerminated"
	EventRentPaid        = "RentPaid"
	EventPenaltyApplied  = "PenaltyApplied"
	EventDisputeCreated  = "DisputeCreated"
	EventDisputeResolved = "DisputeResolved"
)

var kindEvents = map[ContractKind][]string{
	KindRentalTerms:        {EventLandlordSigned, EventTenantSigned, EventTerminated},
	KindPaymentSchedule:    {EventRentPaid, EventPenaltyApplied},
	KindDisputeArbitration: {EventDisputeCreated, EventDisputeResolved},
}

// Events lists the event names a contract kind emits.
func Events(kind ContractKind) []string {
	out := make([]string, len(kindEvents[kind]))
	copy(out, kindEvents[kind])
	return out
}

// ArtifactName is the build artifact (contract) name backing a kind.
func (k ContractKind) ArtifactName() string {
	switch k {
	case KindRentalTerms:
		return "RentalContract"
	case KindPaymentSchedule:
		return "PaymentManager"
	case KindDisputeArbitration:
		return "DisputeManager"
	default:
		return ""
	}
}
