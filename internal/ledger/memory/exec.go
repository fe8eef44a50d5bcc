package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/solbill/collector/internal/accounts"
	"github.com/solbill/collector/internal/ledger"
	"github.com/solbill/collector/internal/solbill"
)

// rentExempt is the lamport balance given to every simulated account.
const rentExempt = 2_039_280

// txState buffers writes so a failing instruction leaves the ledger untouched.
type txState struct {
	l      *Ledger
	writes map[solana.PublicKey]*ledger.Account
	logs   []string
}

func (s *txState) get(addr solana.PublicKey) (*ledger.Account, bool) {
	if a, ok := s.writes[addr]; ok {
		return a, true
	}
	a, ok := s.l.accounts[addr]
	return a, ok
}

func (s *txState) put(a *ledger.Account) {
	s.writes[a.Address] = a
}

func (s *txState) logf(format string, args ...interface{}) {
	s.logs = append(s.logs, fmt.Sprintf(format, args...))
}

type instructionError struct {
	code   solbill.Code
	custom bool
	reason string
}

func customErr(code solbill.Code) *instructionError {
	return &instructionError{code: code, custom: true, reason: code.String()}
}

func namedErr(reason string) *instructionError {
	return &instructionError{reason: reason}
}

// Submit implements ledger.Client. A failing transaction is rejected as a
// preflight error and has no effect. A landed one advances the slot and the
// recent anchor.
func (l *Ledger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	if l.SubmitHook != nil {
		if err := l.SubmitHook(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &ledger.RejectionError{Instruction: -1, Reason: "MissingSignature"}
	}
	sig := tx.Signatures[0]
	if err := tx.VerifySignatures(); err != nil {
		return sig, &ledger.RejectionError{Instruction: -1, Reason: "SignatureFailure"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.sigs[sig]; seen {
		return sig, &ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonAlreadyProcessed}
	}
	if !l.anchorValidLocked(tx.Message.RecentBlockhash) {
		return sig, &ledger.RejectionError{Instruction: -1, Reason: ledger.ReasonBlockhashNotFound}
	}

	state := &txState{l: l, writes: make(map[solana.PublicKey]*ledger.Account)}
	now := l.clock().Unix()
	for i, ix := range tx.Message.Instructions {
		if ierr := l.execute(state, &tx.Message, ix, now); ierr != nil {
			state.logf("Program failed: %s", ierr.reason)
			return sig, &ledger.RejectionError{
				Instruction: i,
				Code:        uint32(ierr.code),
				HasCode:     ierr.custom,
				Reason:      ierr.reason,
				Logs:        state.logs,
			}
		}
	}

	for addr, acct := range state.writes {
		l.accounts[addr] = acct
	}
	l.slot++
	l.rotateAnchorLocked()
	l.sigs[sig] = &sigEntry{
		conf:        ledger.Confirmation{Status: ledger.StatusConfirmed, Slot: l.slot},
		pendingPoll: l.ConfirmAfter,
	}
	return sig, nil
}

func (l *Ledger) execute(s *txState, msg *solana.Message, ix solana.CompiledInstruction, now int64) *instructionError {
	if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
		return namedErr("ProgramAccountNotFound")
	}
	keys := make([]solana.PublicKey, len(ix.Accounts))
	signers := make([]bool, len(ix.Accounts))
	for i, idx := range ix.Accounts {
		if int(idx) >= len(msg.AccountKeys) {
			return namedErr("NotEnoughAccountKeys")
		}
		keys[i] = msg.AccountKeys[idx]
		signers[i] = int(idx) < int(msg.Header.NumRequiredSignatures)
	}

	switch program := msg.AccountKeys[ix.ProgramIDIndex]; program {
	case l.program:
		if !solbill.IsCollectPayment(ix.Data) {
			return namedErr("InvalidInstructionData")
		}
		return l.collectPayment(s, keys, signers, now)
	case solana.SPLAssociatedTokenAccountProgramID:
		return l.createRewardAccount(s, keys, ix.Data)
	default:
		return namedErr("UnsupportedProgramId")
	}
}

func (l *Ledger) collectPayment(s *txState, keys []solana.PublicKey, signers []bool, now int64) *instructionError {
	if len(keys) < solbill.CollectTokenProgram+1 {
		return namedErr("NotEnoughAccountKeys")
	}
	if !signers[solbill.CollectCranker] {
		return namedErr("MissingRequiredSignature")
	}
	if keys[solbill.CollectTokenProgram] != solana.TokenProgramID {
		return namedErr("IncorrectProgramId")
	}
	s.logf("Instruction: CollectPayment")

	subAddr := keys[solbill.CollectSubscription]
	subAcct, ok := s.get(subAddr)
	if !ok || subAcct.Owner != l.program {
		return s.notInitialized(solbill.AccountSubscription)
	}
	sub, err := accounts.DecodeSubscription(subAcct.Data)
	if err != nil {
		return customErr(solbill.CodeAccountDidNotDeserialize)
	}
	svcAcct, ok := s.get(keys[solbill.CollectService])
	if !ok || svcAcct.Owner != l.program {
		return s.notInitialized(solbill.AccountService)
	}
	svc, err := accounts.DecodeService(svcAcct.Data)
	if err != nil {
		return customErr(solbill.CodeAccountDidNotDeserialize)
	}
	planAcct, ok := s.get(keys[solbill.CollectPlan])
	if !ok || planAcct.Owner != l.program {
		return s.notInitialized(solbill.AccountPlan)
	}
	plan, err := accounts.DecodePlan(planAcct.Data)
	if err != nil {
		return customErr(solbill.CodeAccountDidNotDeserialize)
	}

	want, _, err := l.deriver.Subscription(sub.Subscriber, keys[solbill.CollectPlan])
	if err != nil || want != subAddr {
		return customErr(solbill.CodeConstraintSeeds)
	}
	switch {
	case sub.Service != keys[solbill.CollectService],
		sub.Plan != keys[solbill.CollectPlan],
		plan.Service != keys[solbill.CollectService],
		sub.SubscriberTokenAccount != keys[solbill.CollectSubscriberTokenAccount],
		svc.Treasury != keys[solbill.CollectTreasury],
		svc.AcceptedMint != keys[solbill.CollectAcceptedMint]:
		return customErr(solbill.CodeConstraintHasOne)
	}

	next, err := sub.Settle(now)
	if err != nil {
		return customErr(settleCode(err))
	}

	payer, ierr := s.token(keys[solbill.CollectSubscriberTokenAccount], solbill.AccountSubscriberATA)
	if ierr != nil {
		return ierr
	}
	treasury, ierr := s.token(keys[solbill.CollectTreasury], solbill.AccountTreasury)
	if ierr != nil {
		return ierr
	}
	reward, ierr := s.token(keys[solbill.CollectRewardAccount], solbill.AccountRewardAccount)
	if ierr != nil {
		return ierr
	}
	mint := svc.AcceptedMint
	if payer.Mint != mint || treasury.Mint != mint || reward.Mint != mint {
		return namedErr("MintMismatch")
	}
	if payer.Delegate != subAddr {
		return customErr(solbill.CodeTokenOwnerMismatch)
	}
	if payer.Amount < sub.Amount || payer.DelegatedAmount < sub.Amount {
		s.logf("Program log: Error: insufficient funds")
		return customErr(solbill.CodeTokenInsufficientFunds)
	}

	merchantShare := sub.Amount - sub.CrankReward
	payer.Amount -= sub.Amount
	payer.DelegatedAmount -= sub.Amount
	treasury.Amount += merchantShare
	// Treasury and reward account may coincide in degenerate setups.
	if keys[solbill.CollectRewardAccount] == keys[solbill.CollectTreasury] {
		reward = treasury
	}
	reward.Amount += sub.CrankReward

	s.putToken(keys[solbill.CollectSubscriberTokenAccount], payer)
	s.putToken(keys[solbill.CollectTreasury], treasury)
	s.putToken(keys[solbill.CollectRewardAccount], reward)

	data, err := accounts.EncodeSubscription(&next)
	if err != nil {
		return customErr(solbill.CodeOverflow)
	}
	updated := cloneAccount(subAcct)
	updated.Data = data
	s.put(updated)
	s.logf("Program log: collected %d (reward %d), cycle %d", sub.Amount, sub.CrankReward, next.CyclesBilled)
	return nil
}

func settleCode(err error) solbill.Code {
	switch {
	case errors.Is(err, accounts.ErrNotDue):
		return solbill.CodeBillingNotDue
	case errors.Is(err, accounts.ErrCompleted):
		return solbill.CodeSubscriptionCompleted
	case errors.Is(err, accounts.ErrOverflow):
		return solbill.CodeOverflow
	default:
		return solbill.CodeSubscriptionNotActive
	}
}

func (s *txState) notInitialized(account string) *instructionError {
	s.logf("%s", solbill.CausedByLog(account, solbill.CodeAccountNotInitialized))
	return customErr(solbill.CodeAccountNotInitialized)
}

func (s *txState) token(addr solana.PublicKey, account string) (TokenAccount, *instructionError) {
	acct, ok := s.get(addr)
	if !ok {
		return TokenAccount{}, s.notInitialized(account)
	}
	if acct.Owner != solana.TokenProgramID {
		return TokenAccount{}, namedErr("InvalidAccountOwner")
	}
	t, err := decodeTokenAccount(acct.Data)
	if err != nil {
		return TokenAccount{}, namedErr("InvalidAccountData")
	}
	return t, nil
}

func (s *txState) putToken(addr solana.PublicKey, t TokenAccount) {
	s.put(&ledger.Account{
		Address:  addr,
		Owner:    solana.TokenProgramID,
		Lamports: rentExempt,
		Data:     encodeTokenAccount(t),
	})
}

func (l *Ledger) createRewardAccount(s *txState, keys []solana.PublicKey, data []byte) *instructionError {
	if len(data) != 1 || (data[0] != solbill.ATACreate && data[0] != solbill.ATACreateIdempotent) {
		return namedErr("InvalidInstructionData")
	}
	if len(keys) < 6 {
		return namedErr("NotEnoughAccountKeys")
	}
	ata, owner, mint := keys[1], keys[2], keys[3]
	want, _, err := l.deriver.RewardAccount(owner, mint)
	if err != nil || want != ata {
		return namedErr("InvalidSeeds")
	}
	if existing, ok := s.get(ata); ok {
		if data[0] == solbill.ATACreateIdempotent && existing.Owner == solana.TokenProgramID {
			return nil
		}
		return namedErr("AccountAlreadyInUse")
	}
	s.putToken(ata, TokenAccount{Mint: mint, Owner: owner})
	s.logf("Program log: created associated token account %s", ata)
	return nil
}
