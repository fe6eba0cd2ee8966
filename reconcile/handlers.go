package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"leasechain/agreement"
	"leasechain/dispute"
	"leasechain/ledger"
	"leasechain/payment"
)

func (r *Reconciler) lockAgreement(ctx context.Context, tx Tx, t Target, ev ledger.Event) (agreement.Agreement, error) {
	a, err := tx.LockAgreement(ctx, t.AgreementID)
	if errors.Is(err, agreement.ErrNotFound) {
		return agreement.Agreement{}, anomaly(ev, "agreement not found", err)
	}
	return a, err
}

func (r *Reconciler) sign(ctx context.Context, tx Tx, t Target, ev ledger.Event, party agreement.Party) error {
	a, err := r.lockAgreement(ctx, tx, t, ev)
	if err != nil {
		return err
	}

	at := r.now()
	if party == agreement.PartyTenant {
		// the term is derived from the ledger's signing time, never from local state
		if at, err = timeField(ev, "timestamp"); err != nil {
			return anomaly(ev, "unusable signing time", err)
		}
	}

	prev := a
	changed, err := agreement.ApplySignature(&a, party, at, agreement.SourceLedger)
	if err != nil {
		return anomaly(ev, "signature rejected", err)
	}
	if !changed {
		return nil
	}
	if err := tx.SaveAgreement(ctx, prev, a); err != nil {
		return err
	}
	r.log.Info("signature reconciled", "agreement_id", a.ID, "party", party, "status", a.Status)
	return nil
}

func (r *Reconciler) landlordSigned(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	return r.sign(ctx, tx, t, ev, agreement.PartyLandlord)
}

func (r *Reconciler) tenantSigned(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	return r.sign(ctx, tx, t, ev, agreement.PartyTenant)
}

func (r *Reconciler) terminated(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	a, err := r.lockAgreement(ctx, tx, t, ev)
	if err != nil {
		return err
	}
	prev := a
	changed, err := agreement.Terminate(&a, agreement.SourceLedger)
	if err != nil {
		return anomaly(ev, "termination rejected", err)
	}
	if !changed {
		return nil
	}
	if err := tx.SaveAgreement(ctx, prev, a); err != nil {
		return err
	}
	r.log.Info("termination reconciled", "agreement_id", a.ID, "previous", prev.Status)
	return nil
}

func (r *Reconciler) lockPayment(ctx context.Context, tx Tx, t Target, ev ledger.Event) (payment.Payment, error) {
	idx, err := indexField(ev, "paymentId")
	if err != nil {
		return payment.Payment{}, anomaly(ev, "unusable payment index", err)
	}
	p, err := tx.LockPayment(ctx, t.AgreementID, int(idx))
	if errors.Is(err, payment.ErrNotFound) {
		return payment.Payment{}, anomaly(ev, fmt.Sprintf("payment %d not found", idx), err)
	}
	return p, err
}

func (r *Reconciler) rentPaid(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	p, err := r.lockPayment(ctx, tx, t, ev)
	if err != nil {
		return err
	}

	paidAt, err := timeField(ev, "timestamp")
	if err != nil {
		paidAt = r.now()
	}
	penalty, err := etherField(ev, "penalty")
	if err != nil {
		penalty = p.Penalty
	}

	prev := p.Status
	if !payment.Settle(&p, ev.TxHash.Hex(), paidAt, penalty) {
		return nil
	}
	if err := tx.SavePayment(ctx, prev, p); err != nil {
		return err
	}
	r.log.Info("payment reconciled", "agreement_id", t.AgreementID, "payment_index", p.Index, "penalty", p.Penalty.String())
	return nil
}

func (r *Reconciler) penaltyApplied(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	p, err := r.lockPayment(ctx, tx, t, ev)
	if err != nil {
		return err
	}
	amount, err := etherField(ev, "penaltyAmount")
	if err != nil {
		return anomaly(ev, "unusable penalty amount", err)
	}

	prev := p.Status
	if !payment.ApplyPenalty(&p, amount) {
		return nil
	}
	return tx.SavePayment(ctx, prev, p)
}

func (r *Reconciler) disputeCreated(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	idx, err := indexField(ev, "disputeId")
	if err != nil {
		return anomaly(ev, "unusable dispute index", err)
	}
	// the agreement lock serialises dispute creation per agreement
	if _, err := r.lockAgreement(ctx, tx, t, ev); err != nil {
		return err
	}

	_, err = tx.LockDisputeByIndex(ctx, t.AgreementID, idx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, dispute.ErrNotFound) {
		return err
	}

	filerAddr, err := addressField(ev, "filedBy")
	if err != nil {
		return anomaly(ev, "unusable filer", err)
	}
	filer, err := tx.UserByLedgerAddress(ctx, filerAddr)
	if errors.Is(err, ErrUnknownUser) {
		return anomaly(ev, "unknown filer "+ledger.FormatAddress(filerAddr), err)
	}
	if err != nil {
		return err
	}
	description, err := stringField(ev, "description")
	if err != nil {
		return anomaly(ev, "unusable description", err)
	}
	txHash := ev.TxHash.Hex()

	local, err := tx.LockUnlinkedDispute(ctx, t.AgreementID, filer, description)
	switch {
	case err == nil:
		prev := local
		local.Index = &idx
		local.TransactionHash = &txHash
		if err := tx.SaveDispute(ctx, prev, local); err != nil {
			return err
		}
		r.log.Info("dispute linked", "agreement_id", t.AgreementID, "dispute_id", local.ID, "dispute_index", idx)
		return nil
	case !errors.Is(err, dispute.ErrNotFound):
		return err
	}

	d := dispute.Dispute{
		ID:              uuid.NewString(),
		AgreementID:     t.AgreementID,
		FiledBy:         filer,
		Description:     description,
		Status:          dispute.StatusOpen,
		Index:           &idx,
		TransactionHash: &txHash,
	}
	if err := tx.InsertDispute(ctx, d); err != nil {
		return err
	}
	r.log.Info("dispute discovered on ledger", "agreement_id", t.AgreementID, "dispute_id", d.ID, "dispute_index", idx)
	return nil
}

func (r *Reconciler) disputeResolved(ctx context.Context, tx Tx, t Target, ev ledger.Event) error {
	idx, err := indexField(ev, "disputeId")
	if err != nil {
		return anomaly(ev, "unusable dispute index", err)
	}
	d, err := tx.LockDisputeByIndex(ctx, t.AgreementID, idx)
	if errors.Is(err, dispute.ErrNotFound) {
		// DisputeCreated travels on its own stream and may not have landed yet
		return fmt.Errorf("%w: dispute %d of agreement %s", ErrNotReady, idx, t.AgreementID)
	}
	if err != nil {
		return err
	}

	var resolvedBy *string
	if addr, err := addressField(ev, "resolvedBy"); err == nil {
		id, err := tx.UserByLedgerAddress(ctx, addr)
		switch {
		case err == nil:
			resolvedBy = &id
		case errors.Is(err, ErrUnknownUser):
			r.log.Warn("dispute resolver not registered", "address", ledger.FormatAddress(addr), "dispute_index", idx)
		default:
			return err
		}
	}
	resolution, err := stringField(ev, "resolution")
	if err != nil {
		resolution = ""
	}
	at, err := timeField(ev, "timestamp")
	if err != nil {
		at = r.now()
	}

	prev := d
	if !dispute.ResolveFromLedger(&d, resolution, resolvedBy, at, ev.TxHash.Hex()) {
		return nil
	}
	return tx.SaveDispute(ctx, prev, d)
}
