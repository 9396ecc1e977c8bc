package consensus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/verifier"
)

// UndecidedMessage is reported when no rule decided a verification.
const UndecidedMessage = "Ninguna regla aceptó el código."

// Solver resolves a votation against the local snapshot of its code and
// delivers the result.
type Solver interface {
	Solve(ctx context.Context, v Votation, snapshot code.Code) error
}

// verdictFor runs rules against snapshot. A policy that does not decide
// rejects the code.
func verdictFor(snapshot code.Code, scanMode string, rules *verifier.Verifier, logger *slog.Logger) (verifier.Verdict, error) {
	verdict, err := rules.Verify(snapshot, scanMode)
	if errors.Is(err, verifier.ErrUndecided) {
		logger.Warn("no rule decided, rejecting", "code", snapshot.Code)
		return verifier.Verdict{Verification: verifier.NotValid, Message: UndecidedMessage}, nil
	}
	return verdict, err
}

// resolve returns v resolved on snapshot.
func resolve(v Votation, snapshot code.Code, rules *verifier.Verifier, logger *slog.Logger) (Votation, error) {
	var verdict verifier.Verdict
	if snapshot.Exists() {
		var err error
		if verdict, err = verdictFor(snapshot, v.ScanMode, rules, logger); err != nil {
			return v, err
		}
	}
	if err := v.Resolve(snapshot, verdict); err != nil {
		return v, err
	}
	return v, nil
}

// RuleSolver resolves a votation in process and hands the result to Deliver.
type RuleSolver struct {
	Rules   *verifier.Verifier
	Deliver func(ctx context.Context, v Votation) error
	Logger  *slog.Logger
}

func (s RuleSolver) Solve(ctx context.Context, v Votation, snapshot code.Code) error {
	resolved, err := resolve(v, snapshot, s.Rules, loggerOrDefault(s.Logger))
	if err != nil {
		return err
	}
	return s.Deliver(ctx, resolved)
}

// ChannelSolver resolves a votation in process and publishes the result as a
// verdict, leaving the decision to the proposer listening on the channel.
type ChannelSolver struct {
	Rules     *verifier.Verifier
	Publisher Publisher
	Logger    *slog.Logger
}

func (s ChannelSolver) Solve(ctx context.Context, v Votation, snapshot code.Code) error {
	resolved, err := resolve(v, snapshot, s.Rules, loggerOrDefault(s.Logger))
	if err != nil {
		return err
	}
	return s.Publisher.Publish(ctx, EventVerdict, resolved)
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
