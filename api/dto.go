/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine types from the wire contract, so a field can be renamed inside
  the engine without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Users:        RegisterRequest, ProfileDTO, UserSummaryDTO, BalanceDTO
  Ledger:       TransactionDTO, SpendRequest, AdjustmentRequest, AuditDTO
  Streak:       StreakDTO, StreakOutcomeDTO, BuyFreezeRequest
  Daily bonus:  ClaimDTO
  Badges:       BadgeDTO, GrantDTO, GrantRequest
  Community:    ReactionRequest, PostRequest, ReplyRequest, AcceptAnswerRequest,
                ActionDTO, SubscriptionRequest

VALIDATION:
  Required fields are checked in handlers. Enum values (reason, tier, kind)
  are parsed by the engine packages, which reject unknown values.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

const dateLayout = "2006-01-02"

// =============================================================================
// USERS
// =============================================================================

type RegisterRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier,omitempty"`
}

type ProfileDTO struct {
	UserID    string `json:"user_id"`
	Tier      string `json:"tier"`
	CreatedAt string `json:"created_at"`
}

type RegistrationDTO struct {
	Profile ProfileDTO `json:"profile"`
	Created bool       `json:"created"`
	Balance int64      `json:"balance"`
}

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// UserSummaryDTO is everything a client shows on a profile page.
type UserSummaryDTO struct {
	Profile ProfileDTO       `json:"profile"`
	Balance int64            `json:"balance"`
	Streak  StreakDTO        `json:"streak"`
	Badges  []GrantDTO       `json:"badges"`
	Stats   map[string]int64 `json:"stats"`
}

type SubscriptionRequest struct {
	Tier        string `json:"tier"`
	ReferenceID string `json:"reference_id"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type SpendRequest struct {
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
}

type MutationDTO struct {
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Balance     int64           `json:"balance"`
	Replayed    bool            `json:"replayed"`
}

// AdjustmentRequest is a signed admin correction. Positive credits,
// negative debits.
type AdjustmentRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

type AuditDTO struct {
	UserID       string `json:"user_id"`
	Balance      int64  `json:"balance"`
	Sum          int64  `json:"sum"`
	Transactions int    `json:"transactions"`
	Consistent   bool   `json:"consistent"`
}

// =============================================================================
// STREAK
// =============================================================================

type StreakDTO struct {
	CurrentStreak     int    `json:"current_streak"`
	LongestStreak     int    `json:"longest_streak"`
	LastLoginDate     string `json:"last_login_date,omitempty"`
	WeeklyFreebieUsed bool   `json:"weekly_freebie_used"`
	InventoryFreezes  int    `json:"inventory_freezes"`
	AtRisk            bool   `json:"at_risk"`
}

type StreakOutcomeDTO struct {
	Date              string `json:"date"`
	Branch            string `json:"branch"`
	Streak            int    `json:"streak"`
	Saved             bool   `json:"saved"`
	SavedBy           string `json:"saved_by,omitempty"`
	AtRisk            bool   `json:"at_risk"`
	RepairCost        int64  `json:"repair_cost,omitempty"`
	CanAffordRepair   bool   `json:"can_afford_repair,omitempty"`
	Balance           int64  `json:"balance"`
	InventoryFreezes  int    `json:"inventory_freezes"`
	WeeklyFreebieUsed bool   `json:"weekly_freebie_used"`
}

type BuyFreezeRequest struct {
	ReferenceID string `json:"reference_id"`
}

type ResetDTO struct {
	Reset int `json:"reset"`
}

// =============================================================================
// DAILY BONUS
// =============================================================================

type ClaimDTO struct {
	Date        string           `json:"date"`
	Tier        string           `json:"tier"`
	Streak      StreakOutcomeDTO `json:"streak"`
	DailyAmount int64            `json:"daily_amount"`
	StreakBonus int64            `json:"streak_bonus"`
	Balance     int64            `json:"balance"`
	NewBadges   []GrantDTO       `json:"new_badges"`
	Resumed     bool             `json:"resumed,omitempty"`
}

// =============================================================================
// BADGES
// =============================================================================

type BadgeDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StatKey     string `json:"stat_key"`
	Threshold   int64  `json:"threshold"`
	Tier        string `json:"tier,omitempty"`
	Category    string `json:"category"`
}

type GrantDTO struct {
	BadgeID   string `json:"badge_id"`
	GrantedAt string `json:"granted_at"`
}

type GrantRequest struct {
	UserID  string `json:"user_id"`
	BadgeID string `json:"badge_id"`
}

type GrantResultDTO struct {
	Grant          GrantDTO `json:"grant"`
	AlreadyGranted bool     `json:"already_granted"`
}

// =============================================================================
// COMMUNITY
// =============================================================================

type ReactionRequest struct {
	ReactorID   string `json:"reactor_id"`
	OwnerID     string `json:"owner_id"`
	Kind        string `json:"kind"`
	ReferenceID string `json:"reference_id"`
}

type PostRequest struct {
	UserID      string `json:"user_id"`
	Kind        string `json:"kind"`
	ReferenceID string `json:"reference_id"`
}

type ReplyRequest struct {
	UserID      string `json:"user_id"`
	ReferenceID string `json:"reference_id"`
}

type AcceptAnswerRequest struct {
	AuthorID    string `json:"author_id"`
	ReferenceID string `json:"reference_id"`
}

type ActionDTO struct {
	Balance   int64      `json:"balance"`
	Replayed  bool       `json:"replayed"`
	NewBadges []GrantDTO `json:"new_badges"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func toProfileDTO(p profile.Profile) ProfileDTO {
	return ProfileDTO{UserID: string(p.UserID), Tier: string(p.Tier), CreatedAt: formatTime(p.CreatedAt)}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Amount:      tx.Amount,
		Reason:      string(tx.Reason),
		ReferenceID: tx.ReferenceID,
		CreatedAt:   formatTime(tx.CreatedAt),
	}
}

func toMutationDTO(res ledger.Result) MutationDTO {
	out := MutationDTO{Balance: res.Balance, Replayed: res.Replayed}
	if res.Transaction.ID != "" {
		tx := toTransactionDTO(res.Transaction)
		out.Transaction = &tx
	}
	return out
}

func toStreakDTO(st streak.State) StreakDTO {
	return StreakDTO{
		CurrentStreak:     st.CurrentStreak,
		LongestStreak:     st.LongestStreak,
		LastLoginDate:     formatDate(st.LastLoginDate),
		WeeklyFreebieUsed: st.WeeklyFreebieUsed,
		InventoryFreezes:  st.InventoryFreezes,
		AtRisk:            st.AtRisk,
	}
}

func toStreakOutcomeDTO(o streak.Outcome) StreakOutcomeDTO {
	return StreakOutcomeDTO{
		Date:              formatDate(o.Date),
		Branch:            string(o.Branch),
		Streak:            o.Streak,
		Saved:             o.Saved,
		SavedBy:           string(o.SavedBy),
		AtRisk:            o.AtRisk,
		RepairCost:        o.RepairCost,
		CanAffordRepair:   o.AtRisk && o.Balance >= o.RepairCost,
		Balance:           o.Balance,
		InventoryFreezes:  o.InventoryFreezes,
		WeeklyFreebieUsed: o.WeeklyFreebieUsed,
	}
}

func toClaimDTO(c bonus.Claim) ClaimDTO {
	return ClaimDTO{
		Date:        formatDate(c.Date),
		Tier:        string(c.Tier),
		Streak:      toStreakOutcomeDTO(c.Streak),
		DailyAmount: c.DailyAmount,
		StreakBonus: c.StreakBonus,
		Balance:     c.Balance,
		NewBadges:   toGrantDTOs(c.NewBadges),
		Resumed:     c.Resumed,
	}
}

func toBadgeDTO(d badge.Definition) BadgeDTO {
	return BadgeDTO{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		StatKey:     string(d.StatKey),
		Threshold:   d.Threshold,
		Tier:        string(d.Tier),
		Category:    string(d.Category),
	}
}

func toGrantDTOs(grants []badge.Grant) []GrantDTO {
	out := make([]GrantDTO, len(grants))
	for i, g := range grants {
		out[i] = GrantDTO{BadgeID: g.BadgeID, GrantedAt: formatTime(g.GrantedAt)}
	}
	return out
}

func toActionDTO(r engine.ActionResult) ActionDTO {
	return ActionDTO{Balance: r.Balance, Replayed: r.Replayed, NewBadges: toGrantDTOs(r.NewBadges)}
}

func toStats(counters map[badge.StatKey]int64) map[string]int64 {
	out := make(map[string]int64, len(counters))
	for k, v := range counters {
		out[string(k)] = v
	}
	return out
}
