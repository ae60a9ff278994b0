package providers

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"go.uber.org/zap"
)

const MollieDefaultBaseURL = "https://secure.mollie.nl/xml/ideal"

// MollieConfig configures the Mollie iDEAL adapter.
type MollieConfig struct {
	PartnerID  string
	ProfileKey string
	BaseURL    string
	Testmode   bool
	// OutageCodes are error codes meaning the bank is temporarily down.
	OutageCodes []string
	Policy      StatusPolicy
	Client      *http.Client
}

// MollieAdapter talks to the Mollie iDEAL XML API.
type MollieAdapter struct {
	cfg    MollieConfig
	driver Driver
	logger *zap.Logger
}

// NewMollieAdapter creates the Mollie adapter.
func NewMollieAdapter(cfg MollieConfig, driver Driver, logger *zap.Logger) *MollieAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MollieDefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(DefaultTimeout)
	}
	if cfg.OutageCodes == nil {
		cfg.OutageCodes = []string{"-10"}
	}
	return &MollieAdapter{cfg: cfg, driver: driver, logger: logger.With(zap.String("provider", string(Mollie)))}
}

type mollieResponse struct {
	XMLName xml.Name     `xml:"response"`
	Order   *mollieOrder `xml:"order"`
	Items   []mollieItem `xml:"item"`
	Banks   []Bank       `xml:"bank"`
}

type mollieOrder struct {
	TransactionID string `xml:"transaction_id"`
	Amount        string `xml:"amount"`
	Currency      string `xml:"currency"`
	URL           string `xml:"URL"`
	Payed         bool   `xml:"payed"`
	Status        string `xml:"status"`
	Message       string `xml:"message"`
}

type mollieItem struct {
	Type      string `xml:"type,attr"`
	ErrorCode string `xml:"errorcode"`
	Message   string `xml:"message"`
}

// Bank is an iDEAL issuer the payer can choose.
type Bank struct {
	ID   string `xml:"bank_id" json:"id"`
	Name string `xml:"bank_name" json:"name"`
}

func (a *MollieAdapter) ID() ProviderID { return Mollie }

func (a *MollieAdapter) CleanDescription(text string) string {
	return CleanDescription(text, MollieDescriptionLen)
}

// Banks lists the iDEAL issuers.
func (a *MollieAdapter) Banks(ctx context.Context) ([]Bank, error) {
	resp, _, err := a.call(ctx, url.Values{"a": {"banklist"}})
	if err != nil {
		return nil, err
	}
	return resp.Banks, nil
}

func (a *MollieAdapter) StartTransaction(ctx context.Context, p *models.Payment, opts StartOptions) (*Redirect, error) {
	if err := checkUnused(p); err != nil {
		return nil, startError(err)
	}
	if err := checkCurrency(Mollie, p, "EUR"); err != nil {
		return nil, startError(err)
	}

	q := url.Values{
		"a":           {"fetch"},
		"partnerid":   {a.cfg.PartnerID},
		"amount":      {cents(p)},
		"bank_id":     {opts.BankID},
		"description": {a.CleanDescription(p.Description)},
		"reporturl":   {opts.ReportURL},
		"returnurl":   {opts.ReturnURL},
	}
	if a.cfg.ProfileKey != "" {
		q.Set("profile_key", a.cfg.ProfileKey)
	}
	resp, raw, err := a.call(ctx, q)
	if err != nil {
		return nil, startError(err)
	}
	if resp.Order == nil || resp.Order.TransactionID == "" || resp.Order.URL == "" {
		return nil, startError(apperrors.Newf(apperrors.KindProviderError, "mollie fetch returned no transaction for payment %s", p.ID))
	}

	if err := recordStart(ctx, a.driver, a.logger, p, resp.Order.TransactionID, string(raw)); err != nil {
		return nil, startError(err)
	}
	a.logger.Info("Transaction started",
		zap.String("payment_id", p.ID.String()),
		zap.String("transaction_id", resp.Order.TransactionID),
	)
	return &Redirect{Method: http.MethodGet, URL: resp.Order.URL}, nil
}

func (a *MollieAdapter) RequestStatus(ctx context.Context, p *models.Payment) error {
	txn := p.ProviderTxnID()
	if txn == "" {
		return apperrors.Newf(apperrors.KindValidation, "payment %s has no mollie transaction", p.ID)
	}

	resp, raw, err := a.call(ctx, url.Values{
		"a":              {"check"},
		"partnerid":      {a.cfg.PartnerID},
		"transaction_id": {txn},
	})
	if err != nil {
		return err
	}
	order := resp.Order
	if order == nil {
		return apperrors.Newf(apperrors.KindProviderError, "mollie check returned no order for payment %s", p.ID)
	}
	if order.TransactionID != txn {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "mollie check for %s answered transaction %s", txn, order.TransactionID)
	}
	if order.Amount != "" && order.Amount != cents(p) {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "mollie amount %s does not match payment %s amount %s", order.Amount, p.ID, cents(p))
	}
	if err := a.driver.SetBlob(ctx, p, string(raw), true); err != nil {
		return err
	}

	status, err := mollieStatus(order)
	if err != nil {
		return err
	}
	a.logger.Info("Transaction status",
		zap.String("payment_id", p.ID.String()),
		zap.String("mollie_status", order.Status),
		zap.Bool("payed", order.Payed),
		zap.String("status", string(status)),
	)
	return ApplyStatus(ctx, a.driver, p, status, a.cfg.Policy)
}

func mollieStatus(o *mollieOrder) (TxnStatus, error) {
	switch o.Status {
	case "Success":
		if o.Payed {
			return TxnCompleted, nil
		}
		return TxnOpen, nil
	case "Cancelled":
		return TxnCanceled, nil
	case "Failure", "Expired":
		return TxnDeclined, nil
	case "Open":
		return TxnOpen, nil
	case "CheckedBefore":
		return TxnAlreadyChecked, nil
	}
	return "", apperrors.Newf(apperrors.KindProviderError, "unknown mollie status %q", o.Status)
}

func (a *MollieAdapter) ParseCallback(kind CallbackKind, r *http.Request, _ []byte) (Callback, error) {
	txn := r.URL.Query().Get("transaction_id")
	if txn == "" && kind != CallbackAbort {
		return Callback{}, apperrors.Newf(apperrors.KindValidation, "mollie %s without transaction_id", kind)
	}
	return Callback{ProviderTxnID: txn}, nil
}

func (a *MollieAdapter) Acknowledge(err error) (int, string) {
	return defaultAcknowledge(err)
}

// call performs one API request and translates <item type="error">.
func (a *MollieAdapter) call(ctx context.Context, q url.Values) (*mollieResponse, []byte, error) {
	if a.cfg.Testmode {
		q.Set("testmode", "true")
	}
	body, err := getBody(ctx, a.cfg.Client, a.logger, a.cfg.BaseURL, q)
	if err != nil {
		return nil, nil, err
	}
	var resp mollieResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, body, apperrors.New(apperrors.KindProviderError, "unparsable mollie response", err)
	}
	for _, item := range resp.Items {
		if item.Type != "error" {
			continue
		}
		kind := apperrors.KindProviderError
		for _, code := range a.cfg.OutageCodes {
			if item.ErrorCode == code {
				kind = apperrors.KindProviderDown
			}
		}
		a.logger.Warn("Mollie returned an error",
			zap.String("action", q.Get("a")),
			zap.String("errorcode", item.ErrorCode),
			zap.String("message", item.Message),
		)
		return nil, body, apperrors.Newf(kind, "mollie error %s: %s", item.ErrorCode, strings.TrimSpace(item.Message))
	}
	return &resp, body, nil
}

// cents renders the amount in minor units.
func cents(p *models.Payment) string {
	return strconv.FormatInt(p.Amount.Shift(2).IntPart(), 10)
}
