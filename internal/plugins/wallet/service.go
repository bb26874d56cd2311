package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Notifier pushes wallet events to the recipient. Implemented by the
// notifications plugin; a noop stands in until it is wired.
type Notifier interface {
	NotifyGift(recipientID, senderUsername string, coins int)
}

type noopNotifier struct{}

func (noopNotifier) NotifyGift(string, string, int) {}

// WalletService is the business logic layer for the economy.
type WalletService interface {
	// Adjust moves a user's balances by the given deltas (staff only,
	// enforced at the route). Balances are clamped at zero.
	Adjust(ctx context.Context, req AdjustRequest) (*Balance, error)

	// Gift transfers coins from sender to recipient. The sender debit is
	// the guarded step; the recipient credit happens after it commits.
	Gift(ctx context.Context, sender *auth.User, recipientID string, coins int) (*Balance, error)

	// Convert exchanges coins for vouchers at CoinsPerVoucher, flooring
	// to whole vouchers. Remainder coins are not consumed.
	Convert(ctx context.Context, userID string, coins int) (*Balance, error)
}

type walletService struct {
	users    auth.UserRepository
	notifier Notifier
}

// NewWalletService creates the wallet service.
func NewWalletService(users auth.UserRepository, notifier Notifier) WalletService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &walletService{users: users, notifier: notifier}
}

// SetNotifier swaps in the real notifier after construction. Breaks the
// wiring cycle between this plugin and notifications.
func SetNotifier(s WalletService, n Notifier) {
	if svc, ok := s.(*walletService); ok && n != nil {
		svc.notifier = n
	}
}

func (s *walletService) Adjust(ctx context.Context, req AdjustRequest) (*Balance, error) {
	if req.Vouchers == 0 && req.Coins == 0 {
		return nil, apperror.NewValidation("nothing to adjust")
	}

	user, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, req.UserID)
		},
		func(u *auth.User) error {
			u.Vouchers = clampZero(u.Vouchers + req.Vouchers)
			u.Coins = clampZero(u.Coins + req.Coins)
			return nil
		},
		s.users.Save,
	)
	if err != nil {
		return nil, err
	}

	slog.Info("wallet adjusted",
		"user_id", req.UserID,
		"voucher_delta", req.Vouchers,
		"coin_delta", req.Coins)

	return balanceOf(user), nil
}

func (s *walletService) Gift(ctx context.Context, sender *auth.User, recipientID string, coins int) (*Balance, error) {
	if coins <= 0 {
		return nil, apperror.NewValidation("gift amount must be positive")
	}
	if recipientID == sender.ID {
		return nil, apperror.NewValidation("you cannot gift coins to yourself")
	}

	// Recipient must exist before the sender is charged.
	if _, err := s.users.FindByID(ctx, recipientID); err != nil {
		return nil, err
	}

	debited, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, sender.ID)
		},
		func(u *auth.User) error {
			if u.Coins < coins {
				return apperror.NewBadRequest("not enough coins for this gift")
			}
			u.Coins -= coins
			return nil
		},
		s.users.Save,
	)
	if err != nil {
		return nil, err
	}

	// The debit has committed; the credit must not be able to undo it.
	// A lost credit is logged for manual repair rather than refunded
	// automatically, because a refund could double the sender's money if
	// the credit actually landed.
	if _, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, recipientID)
		},
		func(u *auth.User) error {
			u.Coins += coins
			return nil
		},
		s.users.Save,
	); err != nil {
		slog.Error("gift credit failed after debit",
			"sender_id", sender.ID,
			"recipient_id", recipientID,
			"coins", coins,
			"error", err)
		return balanceOf(debited), nil
	}

	slog.Info("coins gifted",
		"sender_id", sender.ID,
		"recipient_id", recipientID,
		"coins", coins)
	s.notifier.NotifyGift(recipientID, sender.Username, coins)

	return balanceOf(debited), nil
}

func (s *walletService) Convert(ctx context.Context, userID string, coins int) (*Balance, error) {
	if coins < CoinsPerVoucher {
		return nil, apperror.NewValidation(
			fmt.Sprintf("conversion requires at least %d coins", CoinsPerVoucher))
	}

	user, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, userID)
		},
		func(u *auth.User) error {
			if u.Coins < coins {
				return apperror.NewBadRequest("not enough coins to convert")
			}
			vouchers := coins / CoinsPerVoucher
			spent := vouchers * CoinsPerVoucher
			u.Coins -= spent
			u.Vouchers += vouchers
			return nil
		},
		s.users.Save,
	)
	if err != nil {
		return nil, err
	}

	return balanceOf(user), nil
}

func balanceOf(u *auth.User) *Balance {
	return &Balance{Vouchers: u.Vouchers, Coins: u.Coins}
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
