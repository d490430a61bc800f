package reconciler

import (
	"time"

	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// minMatchScore is the floor a fallback candidate must clear to be treated
// as a match at all; below it (or on a tie for the top score) the record is
// parked for manual review rather than guessed, since an incorrect
// auto-match moves money to the wrong ledger account.
const minMatchScore = 40

// scoreCandidate scores how well an unmatched settlement record fits a
// candidate attempt. Direction is already guaranteed equal by the SQL
// candidate query; amount and currency are too, so the score here only
// accounts for date proximity and payee agreement.
func scoreCandidate(record providers.SettlementRecord, candidate store.CandidateAttempt) int {
	score := 100 // exact amount and currency already guaranteed by the SQL filter

	if record.EffectiveDate != nil && candidate.RequestedSettlementDate != nil {
		days := daysBetween(*record.EffectiveDate, *candidate.RequestedSettlementDate)
		score -= 10 * days
	}

	if payee, hasPayee := payeeRefFromPayload(record.RawPayload); hasPayee && payee != candidate.PayeeRefID {
		score -= 25
	}

	if score < 0 {
		score = 0
	}
	return score
}

func daysBetween(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

func payeeRefFromPayload(payload map[string]any) (string, bool) {
	if payload == nil {
		return "", false
	}
	v, ok := payload["payee_ref_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// bestMatch scores every candidate and returns the winner, following the
// resolved tie-break rule: a tie at the top score is treated as no-match
// rather than guessed.
func bestMatch(record providers.SettlementRecord, candidates []store.CandidateAttempt) (store.CandidateAttempt, bool) {
	var best store.CandidateAttempt
	bestScore := -1
	tie := false

	for _, c := range candidates {
		score := scoreCandidate(record, c)
		if score < minMatchScore {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = c, score, false
		case score == bestScore:
			tie = true
		}
	}

	if bestScore < minMatchScore || tie {
		return store.CandidateAttempt{}, false
	}
	return best, true
}
