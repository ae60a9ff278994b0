package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"go.uber.org/zap"
)

const TargetPayDefaultBaseURL = "https://www.targetpay.com/ideal"

// TargetPayConfig configures the TargetPay iDEAL adapter.
type TargetPayConfig struct {
	LayoutCode string // rtlo
	BaseURL    string
	Testmode   bool
	Policy     StatusPolicy
	Client     *http.Client
}

// TargetPayAdapter talks to the plain-text TargetPay iDEAL API. Every
// response line starts with a result code; 000000 means OK.
type TargetPayAdapter struct {
	cfg    TargetPayConfig
	driver Driver
	logger *zap.Logger
}

// NewTargetPayAdapter creates the TargetPay adapter.
func NewTargetPayAdapter(cfg TargetPayConfig, driver Driver, logger *zap.Logger) *TargetPayAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = TargetPayDefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(DefaultTimeout)
	}
	return &TargetPayAdapter{cfg: cfg, driver: driver, logger: logger.With(zap.String("provider", string(TargetPay)))}
}

func (a *TargetPayAdapter) ID() ProviderID { return TargetPay }

func (a *TargetPayAdapter) CleanDescription(text string) string {
	return CleanDescription(text, TargetPayDescriptionLen)
}

func (a *TargetPayAdapter) StartTransaction(ctx context.Context, p *models.Payment, opts StartOptions) (*Redirect, error) {
	if err := checkUnused(p); err != nil {
		return nil, startError(err)
	}
	if err := checkCurrency(TargetPay, p, "EUR"); err != nil {
		return nil, startError(err)
	}

	q := url.Values{
		"rtlo":        {a.cfg.LayoutCode},
		"bank":        {opts.BankID},
		"description": {a.CleanDescription(p.Description)},
		"amount":      {cents(p)},
		"returnurl":   {opts.ReturnURL},
		"reporturl":   {opts.ReportURL},
	}
	if opts.AbortURL != "" {
		q.Set("cancelurl", opts.AbortURL)
	}
	code, rest, raw, err := a.call(ctx, "/start", q)
	if err != nil {
		return nil, startError(err)
	}
	if code != "000000" {
		return nil, startError(targetPayError(code, rest))
	}
	txn, redirect, ok := strings.Cut(rest, "|")
	if !ok || txn == "" || redirect == "" {
		return nil, startError(apperrors.Newf(apperrors.KindProviderError, "malformed targetpay start response %q", raw))
	}

	if err := recordStart(ctx, a.driver, a.logger, p, txn, raw); err != nil {
		return nil, startError(err)
	}
	a.logger.Info("Transaction started", zap.String("payment_id", p.ID.String()), zap.String("trxid", txn))
	return &Redirect{Method: http.MethodGet, URL: redirect}, nil
}

func (a *TargetPayAdapter) RequestStatus(ctx context.Context, p *models.Payment) error {
	txn := p.ProviderTxnID()
	if txn == "" {
		return apperrors.Newf(apperrors.KindValidation, "payment %s has no targetpay transaction", p.ID)
	}

	code, rest, raw, err := a.call(ctx, "/check", url.Values{
		"rtlo":  {a.cfg.LayoutCode},
		"trxid": {txn},
		"once":  {"1"},
	})
	if err != nil {
		return err
	}
	if err := a.driver.SetBlob(ctx, p, raw, true); err != nil {
		return err
	}

	var status TxnStatus
	switch code {
	case "000000":
		status = TxnCompleted
	case "TP0010":
		status = TxnOpen
	case "TP0011":
		status = TxnCanceled
	case "TP0012", "TP0013":
		status = TxnDeclined
	case "TP0014":
		status = TxnAlreadyChecked
	default:
		return targetPayError(code, rest)
	}
	a.logger.Info("Transaction status",
		zap.String("payment_id", p.ID.String()),
		zap.String("code", code),
		zap.String("status", string(status)),
	)
	return ApplyStatus(ctx, a.driver, p, status, a.cfg.Policy)
}

func (a *TargetPayAdapter) ParseCallback(kind CallbackKind, r *http.Request, body []byte) (Callback, error) {
	txn := r.URL.Query().Get("trxid")
	if txn == "" && len(body) > 0 {
		if form, err := url.ParseQuery(string(body)); err == nil {
			txn = form.Get("trxid")
		}
	}
	if txn == "" && kind != CallbackAbort {
		return Callback{}, apperrors.Newf(apperrors.KindValidation, "targetpay %s without trxid", kind)
	}
	return Callback{ProviderTxnID: txn}, nil
}

func (a *TargetPayAdapter) Acknowledge(err error) (int, string) {
	return defaultAcknowledge(err)
}

func (a *TargetPayAdapter) call(ctx context.Context, path string, q url.Values) (code, rest, raw string, err error) {
	if a.cfg.Testmode {
		q.Set("test", "1")
	}
	body, err := getBody(ctx, a.cfg.Client, a.logger, a.cfg.BaseURL+path, q)
	if err != nil {
		return "", "", "", err
	}
	raw = strings.TrimSpace(string(body))
	code, rest, _ = strings.Cut(raw, " ")
	if code == "" {
		return "", "", raw, apperrors.Newf(apperrors.KindProviderError, "empty targetpay response")
	}
	return code, strings.TrimSpace(rest), raw, nil
}

// targetPayError maps a non-OK result code. DW and IX codes report an
// outage at TargetPay or the issuing bank.
func targetPayError(code, message string) error {
	if strings.HasPrefix(code, "DW") || strings.HasPrefix(code, "IX") {
		return apperrors.Newf(apperrors.KindProviderDown, "targetpay %s: %s", code, message)
	}
	return apperrors.Newf(apperrors.KindProviderError, "targetpay %s: %s", code, message)
}
