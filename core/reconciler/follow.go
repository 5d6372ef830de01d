package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ApplyLog reconciles a single governor log observed outside a submitted
// transaction's receipt, e.g. a vote or execution made by another client.
// Logs for proposals the mirror does not know are recorded as issues.
func (r *Reconciler) ApplyLog(ctx context.Context, l ethtypes.Log) (err error) {
	if l.Removed {
		return nil
	}
	name := ledger.EventName(&l)
	if name == "" {
		return nil
	}
	defer func() { r.observe(name, err) }()

	chama, err := r.store.ChamaByGovernor(ctx, l.Address.Hex())
	if err != nil {
		return err
	}
	txHash := l.TxHash.Hex()
	logger := r.logger.WithFields(logrus.Fields{
		"event": name,
		"chama": chama.ID,
		"tx":    txHash,
		"block": l.BlockNumber,
	})

	switch name {
	case ledger.EventProposalCreated:
		ev, err := ledger.DecodeProposalCreated(&l)
		if err != nil {
			return err
		}
		p, err := r.proposalForCreated(ctx, chama.ID, txHash, ev.Description)
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				r.issue(ctx, mirror.IssueUnknownProposal, "", txHash,
					fmt.Sprintf("proposal %s created outside the mirror", ev.ProposalId))
				return nil
			}
			return err
		}
		_, err = r.applyCreated(ctx, p.ID, txHash, ev)
		return err

	case ledger.EventVoteCast:
		ev, err := ledger.DecodeVoteCast(&l)
		if err != nil {
			return err
		}
		p, ok, err := r.knownProposal(ctx, chama.ID, ev.ProposalId.String(), txHash)
		if !ok {
			return err
		}
		member, err := r.store.MemberByWallet(ctx, chama.ID, ev.Voter.Hex())
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				r.issue(ctx, mirror.IssueUnknownProposal, p.ID, txHash,
					fmt.Sprintf("vote from %s matches no member", ev.Voter.Hex()))
				return nil
			}
			return err
		}
		_, err = r.applyVote(ctx, l.Address, p, member.ID, txHash, ev)
		return err

	case ledger.EventProposalExecuted:
		ev, err := ledger.DecodeProposalExecuted(&l)
		if err != nil {
			return err
		}
		p, ok, err := r.knownProposal(ctx, chama.ID, ev.ProposalId.String(), txHash)
		if !ok {
			return err
		}
		return r.applyExecuted(ctx, p.ID, txHash)

	case ledger.EventProposalCanceled:
		ev, err := ledger.DecodeProposalCanceled(&l)
		if err != nil {
			return err
		}
		p, ok, err := r.knownProposal(ctx, chama.ID, ev.ProposalId.String(), txHash)
		if !ok {
			return err
		}
		logger.WithField("proposal", p.ID).Info("proposal canceled")
		return r.store.UpdateLedgerStatus(ctx, p.ID, types.StatusCanceled)
	}
	return nil
}

// proposalForCreated finds the mirror row a ProposalCreated log belongs to:
// by create tx hash, or by the content id embedded in the description.
func (r *Reconciler) proposalForCreated(ctx context.Context, chamaID, txHash, description string) (*mirror.Proposal, error) {
	p, err := r.store.ProposalByTx(ctx, txHash)
	if err == nil {
		return p, nil
	}
	if types.KindOf(err) != types.KindNotFound {
		return nil, err
	}
	cid := ContentIDFromDescription(description)
	if cid == "" {
		return nil, err
	}
	return r.store.ProposalByContentID(ctx, chamaID, cid)
}

func (r *Reconciler) knownProposal(ctx context.Context, chamaID, onChainID, txHash string) (*mirror.Proposal, bool, error) {
	p, err := r.store.ProposalByOnChainID(ctx, chamaID, onChainID)
	if err == nil {
		return p, true, nil
	}
	if types.KindOf(err) == types.KindNotFound {
		r.issue(ctx, mirror.IssueUnknownProposal, "", txHash,
			fmt.Sprintf("event for unknown on-chain proposal %s", onChainID))
		return nil, false, nil
	}
	return nil, false, err
}

// ContentIDFromDescription extracts the content id from a description of the
// form written at intake ("...ipfs://<cid>").
func ContentIDFromDescription(description string) string {
	i := strings.LastIndex(description, "ipfs://")
	if i < 0 {
		return ""
	}
	cid := description[i+len("ipfs://"):]
	if j := strings.IndexAny(cid, " \n\t"); j >= 0 {
		cid = cid[:j]
	}
	return cid
}
