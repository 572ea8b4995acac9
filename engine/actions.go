package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
)

// Registration reference. One signup bonus per user, ever.
const signupRef = "signup"

var (
	// ErrUnknownKind rejects a reaction or post kind outside the closed set.
	ErrUnknownKind = ledger.NewRejection("unknown action kind")

	// ErrInvalidTier rejects a tier that does not exist or, for
	// subscription bonuses, is not a paid tier.
	ErrInvalidTier = ledger.NewRejection("invalid tier")

	ErrMissingReference = ledger.NewRejection("reference id is required")
)

// =============================================================================
// REGISTRATION AND SUBSCRIPTIONS
// =============================================================================

type Registration struct {
	Profile profile.Profile
	Created bool // false if the user was already registered
	Balance int64
}

// Register creates the profile and credits the new-user bonus. Calling it
// again for a registered user credits nothing.
func (e *Engine) Register(ctx context.Context, userID ledger.UserID, tier profile.Tier) (Registration, error) {
	if userID == "" {
		return Registration{}, ledger.ErrUserNotFound
	}
	if tier == "" {
		tier = profile.TierFree
	}
	if !tier.Valid() {
		return Registration{}, fmt.Errorf("register %s: %w %q", userID, ErrInvalidTier, tier)
	}

	p := profile.Profile{UserID: userID, Tier: tier, CreatedAt: e.now().UTC()}
	created, err := e.store.CreateProfile(ctx, p)
	if err != nil {
		return Registration{}, fmt.Errorf("register %s: %w", userID, err)
	}
	if !created {
		p, err = e.store.Profile(ctx, userID)
		if err != nil {
			return Registration{}, err
		}
	}

	reg := Registration{Profile: p, Created: created}

	// Also runs for an existing profile so a signup interrupted before the
	// credit completes on retry. The reference makes it a no-op otherwise.
	if e.cfg.NewUserBonus > 0 {
		res, err := e.Ledger.Credit(ctx, userID, e.cfg.NewUserBonus, ledger.ReasonNewUserBonus, signupRef)
		if err != nil {
			return reg, fmt.Errorf("credit new user bonus: %w", err)
		}
		reg.Balance = res.Balance
	} else {
		reg.Balance, err = e.Ledger.Balance(ctx, userID)
		if err != nil {
			return reg, err
		}
	}

	if created {
		e.log.Info("user registered",
			zap.String("user_id", string(userID)),
			zap.String("tier", string(tier)),
			zap.Int64("balance", reg.Balance))
	}
	return reg, nil
}

// SubscriptionBonus records a paid subscription event: the tier is updated
// and the tier's bonus credited once per referenceID (the payment id).
func (e *Engine) SubscriptionBonus(ctx context.Context, userID ledger.UserID, tier profile.Tier, referenceID string) (ledger.Result, error) {
	var reason ledger.Reason
	switch tier {
	case profile.TierAdvanced:
		reason = ledger.ReasonSubscriptionBonusAdvanced
	case profile.TierPerformer:
		reason = ledger.ReasonSubscriptionBonusPerformer
	default:
		return ledger.Result{}, fmt.Errorf("subscription bonus: %w %q", ErrInvalidTier, tier)
	}
	if referenceID == "" {
		return ledger.Result{}, fmt.Errorf("subscription bonus: %w", ErrMissingReference)
	}

	if err := e.store.SetTier(ctx, userID, tier); err != nil {
		return ledger.Result{}, fmt.Errorf("set tier: %w", err)
	}
	return e.Ledger.Credit(ctx, userID, e.cfg.SubscriptionBonus[tier], reason, referenceID)
}

// =============================================================================
// COMMUNITY ACTIONS
// =============================================================================

// ReactionKind is the reaction a user leaves on a post.
type ReactionKind string

const (
	ReactionFire  ReactionKind = "fire"
	ReactionClap  ReactionKind = "clap"
	ReactionHeart ReactionKind = "heart"
)

// ReceivedStat is the owner-side counter for the reaction.
func (k ReactionKind) ReceivedStat() (badge.StatKey, bool) {
	switch k {
	case ReactionFire:
		return badge.StatFiresReceived, true
	case ReactionClap:
		return badge.StatClapsReceived, true
	case ReactionHeart:
		return badge.StatHeartsReceived, true
	}
	return "", false
}

// PostKind selects the price of a new post.
type PostKind string

const (
	PostStage PostKind = "stage"
	PostLab   PostKind = "lab"
)

func (k PostKind) reason() (ledger.Reason, bool) {
	switch k {
	case PostStage:
		return ledger.ReasonPostStage, true
	case PostLab:
		return ledger.ReasonPostLab, true
	}
	return "", false
}

// ActionResult reports a paid or rewarded community action.
type ActionResult struct {
	Balance   int64 // acting user's balance afterwards
	Replayed  bool
	NewBadges []badge.Grant
}

// React charges the reactor, refunds the owner and bumps both sides'
// counters. Every step is keyed by referenceID, so a retry with the same
// referenceID after any failure finishes the remaining steps without
// charging, refunding or counting twice.
func (e *Engine) React(ctx context.Context, reactor, owner ledger.UserID, kind ReactionKind, referenceID string) (ActionResult, error) {
	received, ok := kind.ReceivedStat()
	if !ok {
		return ActionResult{}, fmt.Errorf("react: %w %q", ErrUnknownKind, kind)
	}
	if referenceID == "" {
		return ActionResult{}, fmt.Errorf("react: %w", ErrMissingReference)
	}

	res, err := e.Ledger.Spend(ctx, reactor, ledger.ReasonReaction, referenceID)
	if err != nil {
		return ActionResult{Balance: res.Balance}, err
	}
	out := ActionResult{Balance: res.Balance, Replayed: res.Replayed}

	// The owner collects refunds from many reactors, so the reactor is
	// part of the owner-side reference.
	ownerRef := string(reactor) + ":" + referenceID
	rewardOwner := owner != "" && owner != reactor

	if e.cfg.ReactionRefund > 0 && rewardOwner {
		if _, err := e.Ledger.Credit(ctx, owner, e.cfg.ReactionRefund, ledger.ReasonReactionRefund, ownerRef); err != nil {
			e.log.Warn("reaction refund not issued",
				zap.String("owner_id", string(owner)),
				zap.String("reference_id", referenceID),
				zap.Error(err))
			return out, fmt.Errorf("refund owner: %w", err)
		}
	}

	p, err := e.Badges.IncrementAndEvaluateOnce(ctx, reactor, badge.StatReactionsGiven, 1, reactionEvent(referenceID))
	out.NewBadges = p.Granted
	if err != nil {
		return out, err
	}
	if rewardOwner {
		if _, err := e.Badges.IncrementAndEvaluateOnce(ctx, owner, received, 1, reactionEvent(ownerRef)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// CreatePost charges the post price and counts the post.
func (e *Engine) CreatePost(ctx context.Context, userID ledger.UserID, kind PostKind, referenceID string) (ActionResult, error) {
	reason, ok := kind.reason()
	if !ok {
		return ActionResult{}, fmt.Errorf("create post: %w %q", ErrUnknownKind, kind)
	}
	if referenceID == "" {
		return ActionResult{}, fmt.Errorf("create post: %w", ErrMissingReference)
	}
	return e.paidAction(ctx, userID, reason, referenceID, badge.StatPostsCreated)
}

// Reply charges the comment price and counts the reply.
func (e *Engine) Reply(ctx context.Context, userID ledger.UserID, referenceID string) (ActionResult, error) {
	if referenceID == "" {
		return ActionResult{}, fmt.Errorf("reply: %w", ErrMissingReference)
	}
	return e.paidAction(ctx, userID, ledger.ReasonComment, referenceID, badge.StatRepliesCreated)
}

// paidAction spends, then counts. The count runs on replays too and is
// applied once per (reason, referenceID).
func (e *Engine) paidAction(ctx context.Context, userID ledger.UserID, reason ledger.Reason, referenceID string, stat badge.StatKey) (ActionResult, error) {
	res, err := e.Ledger.Spend(ctx, userID, reason, referenceID)
	if err != nil {
		return ActionResult{Balance: res.Balance}, err
	}
	out := ActionResult{Balance: res.Balance, Replayed: res.Replayed}
	p, err := e.Badges.IncrementAndEvaluateOnce(ctx, userID, stat, 1, actionEvent(reason, referenceID))
	out.NewBadges = p.Granted
	return out, err
}

// AcceptAnswer rewards the author of an accepted solution.
func (e *Engine) AcceptAnswer(ctx context.Context, authorID ledger.UserID, referenceID string) (ActionResult, error) {
	var out ActionResult
	if referenceID == "" {
		return out, fmt.Errorf("accept answer: %w", ErrMissingReference)
	}
	if e.cfg.AcceptedAnswerReward > 0 {
		res, err := e.Ledger.Credit(ctx, authorID, e.cfg.AcceptedAnswerReward, ledger.ReasonAcceptedAnswerReward, referenceID)
		if err != nil {
			return out, err
		}
		out.Balance, out.Replayed = res.Balance, res.Replayed
	}
	p, err := e.Badges.IncrementAndEvaluateOnce(ctx, authorID, badge.StatSolutionsAccepted, 1,
		actionEvent(ledger.ReasonAcceptedAnswerReward, referenceID))
	out.NewBadges = p.Granted
	return out, err
}

func actionEvent(reason ledger.Reason, referenceID string) string {
	return string(reason) + ":" + referenceID
}

func reactionEvent(ref string) string { return "reaction:" + ref }
