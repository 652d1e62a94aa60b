/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. Domain types never cross the wire
  directly; the to*DTO helpers below do the conversion.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers that add flags or paging around DTOs

AMOUNTS:
  Token amounts are decimal strings ("100", "-300"). Requests accept a
  JSON number or a string.

TIMES:
  RFC 3339, UTC.

SEE ALSO:
  - handlers.go, catalog.go: Use these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-ledger/enrollment"
	"github.com/warp/token-ledger/inventory"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/query"
	"github.com/warp/token-ledger/redemption"
	"github.com/warp/token-ledger/rewards"
)

// =============================================================================
// ACCOUNTS & TRANSACTIONS
// =============================================================================

type BalanceDTO struct {
	Total    decimal.Decimal `json:"total"`
	Earned   decimal.Decimal `json:"earned"`
	Redeemed decimal.Decimal `json:"redeemed"`
}

type AccountDTO struct {
	ID            string     `json:"id"`
	WalletAddress string     `json:"walletAddress,omitempty"`
	Balance       BalanceDTO `json:"balance"`
	CreatedAt     string     `json:"createdAt,omitempty"`
}

type CreateAccountRequest struct {
	ID string `json:"id"`
}

// AccountResponse is returned by registration and wallet connection, which
// may also mint a bonus.
type AccountResponse struct {
	Account AccountDTO      `json:"account"`
	Reward  *RewardResponse `json:"reward,omitempty"`
}

type ConnectWalletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

type MirrorDTO struct {
	Hash          string `json:"hash,omitempty"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Confirmations int    `json:"confirmations,omitempty"`
	Error         string `json:"error,omitempty"`
}

type TransactionDTO struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Status        string          `json:"status"`
	Description   string          `json:"description,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CourseID      string          `json:"courseId,omitempty"`
	RedemptionID  string          `json:"redemptionId,omitempty"`
	Blockchain    *MirrorDTO      `json:"blockchain,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

type TransactionPageResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Offset       int              `json:"offset"`
	Limit        int              `json:"limit"`
	HasMore      bool             `json:"hasMore"`
}

type TypeTotalDTO struct {
	Type  string          `json:"type"`
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

type SummaryDTO struct {
	Account          AccountDTO      `json:"account"`
	ByType           []TypeTotalDTO  `json:"byType"`
	Net              decimal.Decimal `json:"net"`
	TransactionCount int             `json:"transactionCount"`
}

type LeaderboardEntryDTO struct {
	Rank          int             `json:"rank"`
	AccountID     string          `json:"accountId"`
	Earned        decimal.Decimal `json:"earned"`
	Total         decimal.Decimal `json:"total"`
	WalletAddress string          `json:"walletAddress,omitempty"`
}

// =============================================================================
// REWARDS
// =============================================================================

// CourseCompletionRequest carries the content service's course facts with
// the learner's result. Durations are in seconds.
type CourseCompletionRequest struct {
	CourseID             string           `json:"courseId"`
	TokenReward          *decimal.Decimal `json:"tokenReward,omitempty"`
	BonusTokens          BonusTokensDTO   `json:"bonusTokens"`
	TotalDurationSeconds int64            `json:"totalDurationSeconds"`
	TimeSpentSeconds     int64            `json:"timeSpentSeconds"`
	Score                decimal.Decimal  `json:"score"`
}

type BonusTokensDTO struct {
	EarlyCompletion decimal.Decimal `json:"earlyCompletion"`
	PerfectScore    decimal.Decimal `json:"perfectScore"`
}

type AwardDTO struct {
	Base         decimal.Decimal `json:"base"`
	EarlyBonus   decimal.Decimal `json:"earlyBonus"`
	PerfectBonus decimal.Decimal `json:"perfectBonus"`
	Total        decimal.Decimal `json:"total"`
}

type RewardResponse struct {
	Transaction     *TransactionDTO `json:"transaction,omitempty"`
	Award           *AwardDTO       `json:"award,omitempty"`
	AlreadyRewarded bool            `json:"alreadyRewarded"`
	Warning         string          `json:"warning,omitempty"`
}

type AdjustmentRequest struct {
	AccountID      string          `json:"accountId"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// =============================================================================
// CATALOG & REDEMPTIONS
// =============================================================================

type StockDTO struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Total     int `json:"total"`
}

type ItemDTO struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	TokenCost        decimal.Decimal `json:"tokenCost"`
	Stock            StockDTO        `json:"stock"`
	IsUnlimited      bool            `json:"isUnlimited"`
	IsActive         bool            `json:"isActive"`
	AvailableFrom    *time.Time      `json:"availableFrom,omitempty"`
	AvailableUntil   *time.Time      `json:"availableUntil,omitempty"`
	DeliveryType     string          `json:"deliveryType"`
	TotalRedemptions int             `json:"totalRedemptions"`
	Popularity       int             `json:"popularity"`
}

type CreateItemRequest struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	TokenCost      decimal.Decimal `json:"tokenCost"`
	Stock          int             `json:"stock"`
	IsUnlimited    bool            `json:"isUnlimited"`
	IsActive       *bool           `json:"isActive,omitempty"`
	AvailableFrom  *time.Time      `json:"availableFrom,omitempty"`
	AvailableUntil *time.Time      `json:"availableUntil,omitempty"`
	DeliveryType   string          `json:"deliveryType"`
}

type CreateRedemptionRequest struct {
	// AccountID defaults to the caller; only admins may name another account.
	AccountID string              `json:"accountId,omitempty"`
	ItemID    string              `json:"itemId"`
	Quantity  int                 `json:"quantity"`
	Delivery  redemption.Delivery `json:"delivery"`
}

type CancelRedemptionRequest struct {
	Reason string `json:"reason"`
}

type AdvanceRedemptionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type RedemptionDTO struct {
	ID                  string                    `json:"id"`
	AccountID           string                    `json:"accountId"`
	ItemID              string                    `json:"itemId"`
	Quantity            int                       `json:"quantity"`
	UnitCost            decimal.Decimal           `json:"unitCost"`
	TotalTokenCost      decimal.Decimal           `json:"totalTokenCost"`
	DeliveryType        string                    `json:"deliveryType"`
	Delivery            redemption.Delivery       `json:"delivery"`
	Status              string                    `json:"status"`
	StatusHistory       []redemption.HistoryEntry `json:"statusHistory"`
	TransactionID       string                    `json:"transactionId,omitempty"`
	RefundTransactionID string                    `json:"refundTransactionId,omitempty"`
	CancelReason        string                    `json:"cancelReason,omitempty"`
	CreatedAt           string                    `json:"createdAt"`
	UpdatedAt           string                    `json:"updatedAt"`
}

type RedemptionPageResponse struct {
	Redemptions []RedemptionDTO `json:"redemptions"`
	Total       int             `json:"total"`
}

// CancelResponse reports whether this call changed anything.
type CancelResponse struct {
	Redemption RedemptionDTO `json:"redemption"`
	Changed    bool          `json:"changed"`
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

// ConfirmPurchaseRequest is the payment collaborator's purchase fact.
type ConfirmPurchaseRequest struct {
	UserID    string `json:"userId"`
	CourseID  string `json:"courseId"`
	PaymentID string `json:"paymentId"`
}

type EnrollmentDTO struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	CourseID  string `json:"courseId"`
	PaymentID string `json:"paymentId"`
	CreatedAt string `json:"createdAt"`
}

type EnrollmentResponse struct {
	Enrollment      EnrollmentDTO `json:"enrollment"`
	AlreadyEnrolled bool          `json:"alreadyEnrolled"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
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

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		WalletAddress: a.WalletAddress,
		Balance: BalanceDTO{
			Total:    a.Balance.Total,
			Earned:   a.Balance.Earned,
			Redeemed: a.Balance.Redeemed,
		},
		CreatedAt: formatTime(a.CreatedAt),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(t.ID),
		AccountID:     string(t.AccountID),
		Type:          string(t.Type),
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Status:        string(t.Status),
		Description:   t.Description,
		CourseID:      t.CourseID,
		RedemptionID:  t.RedemptionID,
		Error:         t.ErrorMessage,
		CreatedAt:     formatTime(t.CreatedAt),
	}
	if t.Source != nil {
		if raw, err := ledger.EncodeSource(t.Source); err == nil {
			dto.Metadata = raw
		}
	}
	if t.Mirror != nil {
		dto.Blockchain = &MirrorDTO{
			Hash:          t.Mirror.Hash,
			Status:        string(t.Mirror.Status),
			BlockNumber:   t.Mirror.BlockNumber,
			Confirmations: t.Mirror.Confirmations,
			Error:         t.Mirror.ErrorMessage,
		}
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = toTransactionDTO(t)
	}
	return out
}

func toRewardResponse(r rewards.Result) *RewardResponse {
	resp := &RewardResponse{AlreadyRewarded: r.AlreadyRewarded, Warning: r.Warning}
	if r.Transaction.ID != "" {
		tx := toTransactionDTO(r.Transaction)
		resp.Transaction = &tx
	}
	if !r.AlreadyRewarded && !r.Award.Total().IsZero() {
		resp.Award = &AwardDTO{
			Base:         r.Award.Base,
			EarlyBonus:   r.Award.EarlyBonus,
			PerfectBonus: r.Award.PerfectBonus,
			Total:        r.Award.Total(),
		}
	}
	return resp
}

func toSummaryDTO(s query.Summary) SummaryDTO {
	byType := make([]TypeTotalDTO, len(s.ByType))
	for i, t := range s.ByType {
		byType[i] = TypeTotalDTO{Type: string(t.Type), Count: t.Count, Sum: t.Sum}
	}
	return SummaryDTO{
		Account:          toAccountDTO(s.Account),
		ByType:           byType,
		Net:              s.Net,
		TransactionCount: s.TransactionCount,
	}
}

func toItemDTO(i inventory.Item) ItemDTO {
	return ItemDTO{
		ID:               string(i.ID),
		Name:             i.Name,
		TokenCost:        i.TokenCost,
		Stock:            StockDTO{Available: i.Stock.Available, Reserved: i.Stock.Reserved, Total: i.Stock.Total},
		IsUnlimited:      i.IsUnlimited,
		IsActive:         i.IsActive,
		AvailableFrom:    i.AvailableFrom,
		AvailableUntil:   i.AvailableUntil,
		DeliveryType:     string(i.DeliveryType),
		TotalRedemptions: i.TotalRedemptions,
		Popularity:       i.Popularity,
	}
}

func toRedemptionDTO(r redemption.Redemption) RedemptionDTO {
	history := r.History
	if history == nil {
		history = []redemption.HistoryEntry{}
	}
	return RedemptionDTO{
		ID:                  string(r.ID),
		AccountID:           string(r.AccountID),
		ItemID:              string(r.ItemID),
		Quantity:            r.Quantity,
		UnitCost:            r.UnitCost,
		TotalTokenCost:      r.TotalCost,
		DeliveryType:        string(r.DeliveryType),
		Delivery:            r.Delivery,
		Status:              string(r.Status),
		StatusHistory:       history,
		TransactionID:       string(r.TransactionID),
		RefundTransactionID: string(r.RefundTransactionID),
		CancelReason:        r.CancelReason,
		CreatedAt:           formatTime(r.CreatedAt),
		UpdatedAt:           formatTime(r.UpdatedAt),
	}
}

func toEnrollmentDTO(e enrollment.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:        e.ID,
		AccountID: string(e.AccountID),
		CourseID:  e.CourseID,
		PaymentID: e.PaymentID,
		CreatedAt: formatTime(e.CreatedAt),
	}
}
