package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/catalog"
	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/database"
	"github.com/minutemart/order-api/internal/repositories"
)

var (
	// ErrSessionInvalidInput signals the caller provided invalid data.
	ErrSessionInvalidInput = errors.New("session: invalid input")
	// ErrSessionNotFound indicates the session could not be located.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionInactive indicates the session is no longer open for changes.
	ErrSessionInactive = errors.New("session: not active")
)

// SessionServiceDeps bundles collaborators required to construct the session
// service.
type SessionServiceDeps struct {
	Sessions    repositories.SessionRepository
	Orders      repositories.OrderRepository
	Catalog     catalog.Reader
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
}

type sessionService struct {
	sessions   repositories.SessionRepository
	orders     repositories.OrderRepository
	catalog    catalog.Reader
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// NewSessionService wires dependencies into a concrete SessionService.
func NewSessionService(deps SessionServiceDeps) (SessionService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("session service: session repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("session service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return uuid.NewString()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &sessionService{
		sessions:   deps.Sessions,
		orders:     deps.Orders,
		catalog:    deps.Catalog,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *sessionService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (domain.Session, error) {
	if cmd.OwnerID == "" || cmd.CountryCode == "" {
		return domain.Session{}, fmt.Errorf("%w: owner and country are required", ErrSessionInvalidInput)
	}
	ownerType := cmd.OwnerType
	if ownerType == "" {
		ownerType = domain.SessionOwnerGuest
	}

	if existing, err := s.sessions.FindActive(ctx, ownerType, cmd.OwnerID, cmd.CountryCode); err == nil {
		return existing, nil
	} else if !database.IsNotFound(err) {
		return domain.Session{}, mapSessionRepositoryError(err)
	}

	now := s.clock()
	session := domain.Session{
		SessionCode:   s.newID(),
		OwnerType:     ownerType,
		OwnerID:       cmd.OwnerID,
		CountryCode:   strings.ToUpper(cmd.CountryCode),
		CurrencyCode:  strings.ToUpper(cmd.CurrencyCode),
		WarehouseCode: cmd.WarehouseCode,
		Status:        domain.SessionStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.sessions.Create(ctx, &session)
	if database.IsConflict(err) {
		// lost the race against a parallel create, the winner's cart counts
		winner, ferr := s.sessions.FindActive(ctx, ownerType, cmd.OwnerID, cmd.CountryCode)
		if ferr != nil {
			return domain.Session{}, mapSessionRepositoryError(ferr)
		}
		return winner, nil
	}
	if err != nil {
		return domain.Session{}, mapSessionRepositoryError(err)
	}
	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, code string) (domain.Session, error) {
	session, err := s.sessions.GetByCode(ctx, code, false)
	if err != nil {
		return domain.Session{}, mapSessionRepositoryError(err)
	}
	return session, nil
}

func (s *sessionService) ModifySession(ctx context.Context, code string, items []SessionItemInput, header SessionHeaderPatch) (domain.Session, error) {
	var result domain.Session
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		session, err := s.lockActive(txCtx, code)
		if err != nil {
			return err
		}

		desired := make(map[string]SessionItemInput, len(items))
		for _, item := range items {
			if item.SKU == "" {
				return fmt.Errorf("%w: item without a sku", ErrSessionInvalidInput)
			}
			if item.Quantity < 0 {
				return fmt.Errorf("%w: negative quantity for %s", ErrSessionInvalidInput, item.SKU)
			}
			desired[item.SKU] = item
		}

		if err := s.writeItemDiff(txCtx, &session, desired); err != nil {
			return err
		}
		if err := s.writeHeader(txCtx, &session, header); err != nil {
			return err
		}

		result = session
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return result, nil
}

// writeItemDiff persists only the skus whose (quantity, price) pair changed.
// Quantity zero means the line goes away.
func (s *sessionService) writeItemDiff(ctx context.Context, session *domain.Session, desired map[string]SessionItemInput) error {
	now := s.clock()

	var upserts []domain.SessionItem
	var removals []string
	kept := session.Items[:0]

	for _, existing := range session.Items {
		want, ok := desired[existing.SKU]
		if !ok {
			kept = append(kept, existing)
			continue
		}
		delete(desired, existing.SKU)
		if want.Quantity == 0 {
			removals = append(removals, existing.SKU)
			continue
		}
		if want.Quantity == existing.Quantity && want.Price.Equal(existing.Price) {
			kept = append(kept, existing)
			continue
		}
		existing.Quantity = want.Quantity
		existing.Price = want.Price
		existing.UpdatedAt = now
		upserts = append(upserts, existing)
		kept = append(kept, existing)
	}
	for _, want := range desired {
		if want.Quantity == 0 {
			continue
		}
		item := domain.SessionItem{
			SessionID: session.ID,
			SKU:       want.SKU,
			Quantity:  want.Quantity,
			Price:     want.Price,
			UpdatedAt: now,
		}
		upserts = append(upserts, item)
		kept = append(kept, item)
	}
	session.Items = kept

	if len(upserts) > 0 {
		if err := s.sessions.UpsertItems(ctx, session.ID, upserts); err != nil {
			return mapSessionRepositoryError(err)
		}
	}
	if len(removals) > 0 {
		if err := s.sessions.DeleteItems(ctx, session.ID, removals); err != nil {
			return mapSessionRepositoryError(err)
		}
	}
	return nil
}

func (s *sessionService) writeHeader(ctx context.Context, session *domain.Session, header SessionHeaderPatch) error {
	var fields []string
	set := func(name string, dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			fields = append(fields, name)
		}
	}
	set("AddressKey", &session.AddressKey, header.AddressKey)
	set("WarehouseCode", &session.WarehouseCode, header.WarehouseCode)
	set("PaymentToken", &session.PaymentToken, header.PaymentToken)
	set("CreditCardMask", &session.CreditCardMask, header.CreditCardMask)
	if header.PaymentMethodCode != nil && session.PaymentMethodCode != *header.PaymentMethodCode {
		session.PaymentMethodCode = *header.PaymentMethodCode
		fields = append(fields, "PaymentMethodCode")
	}
	if len(fields) == 0 {
		return nil
	}

	session.UpdatedAt = s.clock()
	fields = append(fields, "UpdatedAt")
	return mapSessionRepositoryError(s.sessions.Update(ctx, session, fields))
}

func (s *sessionService) AddItem(ctx context.Context, code, sku string, quantity int, price decimal.Decimal) (domain.Session, error) {
	if quantity <= 0 {
		return domain.Session{}, fmt.Errorf("%w: quantity must be positive", ErrSessionInvalidInput)
	}
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return domain.Session{}, err
	}
	return s.ModifySession(ctx, code, []SessionItemInput{{
		SKU:      sku,
		Quantity: session.ItemQuantity(sku) + quantity,
		Price:    price,
	}}, SessionHeaderPatch{})
}

func (s *sessionService) SetQuantity(ctx context.Context, code, sku string, quantity int) (domain.Session, error) {
	session, err := s.GetSession(ctx, code)
	if err != nil {
		return domain.Session{}, err
	}
	price := decimal.Zero
	for _, item := range session.Items {
		if item.SKU == sku {
			price = item.Price
			break
		}
	}
	return s.ModifySession(ctx, code, []SessionItemInput{{
		SKU:      sku,
		Quantity: quantity,
		Price:    price,
	}}, SessionHeaderPatch{})
}

func (s *sessionService) RemoveItem(ctx context.Context, code, sku string) (domain.Session, error) {
	return s.ModifySession(ctx, code, []SessionItemInput{{SKU: sku, Quantity: 0}}, SessionHeaderPatch{})
}

func (s *sessionService) SetPaymentMethod(ctx context.Context, code string, header SessionHeaderPatch) (domain.Session, error) {
	if header.PaymentMethodCode == nil {
		return domain.Session{}, fmt.Errorf("%w: payment method is required", ErrSessionInvalidInput)
	}
	return s.ModifySession(ctx, code, nil, header)
}

func (s *sessionService) ResetPaymentMethod(ctx context.Context, code string) (domain.Session, error) {
	var none domain.PaymentMethod
	empty := ""
	return s.ModifySession(ctx, code, nil, SessionHeaderPatch{
		PaymentMethodCode: &none,
		PaymentToken:      &empty,
		CreditCardMask:    &empty,
	})
}

func (s *sessionService) RefreshSession(ctx context.Context, code string) (SessionView, error) {
	if s.catalog == nil {
		return SessionView{}, errors.New("session service: catalog reader not configured")
	}

	var view SessionView
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		session, err := s.lockActive(txCtx, code)
		if err != nil {
			return err
		}
		if len(session.Items) == 0 {
			view = SessionView{Session: session}
			return nil
		}

		skus := make([]string, 0, len(session.Items))
		for _, item := range session.Items {
			skus = append(skus, item.SKU)
		}
		offers, err := s.catalog.Availability(txCtx, session.CountryCode, session.WarehouseCode, skus)
		if err != nil {
			return err
		}

		var updates []domain.UpdatedItem
		desired := make(map[string]SessionItemInput, len(session.Items))
		for _, item := range session.Items {
			offer, known := offers[item.SKU]
			if !known || !offer.InStock {
				updates = append(updates, domain.UpdatedItem{
					SKU:         item.SKU,
					OldQuantity: item.Quantity,
					NewQuantity: 0,
					OldPrice:    item.Price,
					NewPrice:    item.Price,
					Reason:      domain.UpdateReasonOutOfStock,
				})
				desired[item.SKU] = SessionItemInput{SKU: item.SKU, Quantity: 0}
				continue
			}

			quantity := item.Quantity
			if offer.MaxQuantity > 0 && quantity > offer.MaxQuantity {
				quantity = offer.MaxQuantity
			}
			price := domain.RoundAmount(offer.Price)

			if quantity != item.Quantity {
				updates = append(updates, domain.UpdatedItem{
					SKU:         item.SKU,
					OldQuantity: item.Quantity,
					NewQuantity: quantity,
					OldPrice:    item.Price,
					NewPrice:    price,
					Reason:      domain.UpdateReasonQuantityCap,
				})
			} else if !price.Equal(item.Price) {
				updates = append(updates, domain.UpdatedItem{
					SKU:         item.SKU,
					OldQuantity: item.Quantity,
					NewQuantity: quantity,
					OldPrice:    item.Price,
					NewPrice:    price,
					Reason:      domain.UpdateReasonPriceChanged,
				})
			}
			desired[item.SKU] = SessionItemInput{SKU: item.SKU, Quantity: quantity, Price: price}
		}

		if err := s.writeItemDiff(txCtx, &session, desired); err != nil {
			return err
		}
		view = SessionView{Session: session, UpdatedItems: updates}
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return view, nil
}

func (s *sessionService) MergeOnLogin(ctx context.Context, guestCode, customerCode, countryCode string) (SessionView, error) {
	if customerCode == "" {
		return SessionView{}, fmt.Errorf("%w: customer code is required", ErrSessionInvalidInput)
	}

	var view SessionView
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		guest, err := s.lockActive(txCtx, guestCode)
		if err != nil {
			return err
		}
		if guest.OwnerType != domain.SessionOwnerGuest {
			return fmt.Errorf("%w: session %s is not a guest session", ErrSessionInvalidInput, guestCode)
		}

		existing, err := s.sessions.FindActive(txCtx, domain.SessionOwnerCustomer, customerCode, countryCode)
		if database.IsNotFound(err) {
			// no customer cart, the guest cart is simply relabelled
			guest.OwnerType = domain.SessionOwnerCustomer
			guest.OwnerID = customerCode
			guest.UpdatedAt = s.clock()
			if err := s.sessions.Update(txCtx, &guest, []string{"OwnerType", "OwnerID", "UpdatedAt"}); err != nil {
				return mapSessionRepositoryError(err)
			}
			view = SessionView{Session: guest}
			return nil
		}
		if err != nil {
			return mapSessionRepositoryError(err)
		}

		// the customer cart wins; carry the guest lines over only when the
		// customer cart is empty, never merge two non-empty carts
		var updates []domain.UpdatedItem
		if len(existing.Items) == 0 && len(guest.Items) > 0 {
			updates = domain.MergeSessions(&existing, guest)
			if err := s.sessions.ReplaceItems(txCtx, existing.ID, existing.Items); err != nil {
				return mapSessionRepositoryError(err)
			}
		}
		if err := s.sessions.SetStatus(txCtx, guest.SessionCode, domain.SessionStatusExpired); err != nil {
			return mapSessionRepositoryError(err)
		}

		view = SessionView{Session: existing, UpdatedItems: updates}
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return view, nil
}

func (s *sessionService) ResetCheckoutSession(ctx context.Context, code string) (domain.Session, error) {
	if s.orders == nil {
		return domain.Session{}, errors.New("session service: order repository not configured")
	}

	var result domain.Session
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		session, err := s.sessions.GetByCode(txCtx, code, true)
		if err != nil {
			return mapSessionRepositoryError(err)
		}
		if session.Active() {
			result = session
			return nil
		}
		if len(session.Orders) == 0 {
			return fmt.Errorf("%w: session %s was never checked out", ErrSessionInactive, code)
		}

		latest := session.Orders[len(session.Orders)-1]
		status, err := s.orders.Status(txCtx, latest.OrderNr, repositories.StatusDimensionPayment, false)
		if err != nil {
			return mapSessionRepositoryError(err)
		}
		if status != domain.StatusPending {
			return fmt.Errorf("%w: order %s is no longer awaiting payment", ErrSessionInactive, latest.OrderNr)
		}

		if err := s.sessions.SetStatus(txCtx, code, domain.SessionStatusActive); err != nil {
			return mapSessionRepositoryError(err)
		}
		session.Status = domain.SessionStatusActive
		result = session
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return result, nil
}

func (s *sessionService) ReactivateOrderSession(ctx context.Context, code string) error {
	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		session, err := s.sessions.GetByCode(txCtx, code, true)
		if err != nil {
			return mapSessionRepositoryError(err)
		}
		if session.Active() {
			return nil
		}

		existing, err := s.sessions.FindActive(txCtx, session.OwnerType, session.OwnerID, session.CountryCode)
		switch {
		case err == nil && len(existing.Items) > 0:
			// the customer moved on to a new cart, leave it alone
			return nil
		case err == nil:
			if err := s.sessions.SetStatus(txCtx, existing.SessionCode, domain.SessionStatusExpired); err != nil {
				return mapSessionRepositoryError(err)
			}
		case !database.IsNotFound(err):
			return mapSessionRepositoryError(err)
		}

		return mapSessionRepositoryError(s.sessions.SetStatus(txCtx, code, domain.SessionStatusActive))
	})
}

// lockActive loads the session under a row lock and rejects inactive ones.
func (s *sessionService) lockActive(ctx context.Context, code string) (domain.Session, error) {
	session, err := s.sessions.GetByCode(ctx, code, true)
	if err != nil {
		return domain.Session{}, mapSessionRepositoryError(err)
	}
	if !session.Active() {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionInactive, code)
	}
	return session, nil
}

func mapSessionRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case database.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	default:
		return err
	}
}
