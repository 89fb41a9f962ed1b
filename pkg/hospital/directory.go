package hospital

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/harunnryd/wardline/pkg/errorsx"
	"github.com/harunnryd/wardline/pkg/logging"
)

// Backend is the subset of the Core API the directory reads from.
type Backend interface {
	ListHospitals(ctx context.Context) ([]Record, error)
	GetIntents(ctx context.Context, hospitalID string) ([]Intent, error)
	GetDepartments(ctx context.Context, hospitalID string) ([]Department, error)
}

// Directory resolves the dialed number to a hospital configuration. It never
// fails; lookup problems fall back to the default identity.
type Directory struct {
	backend     Backend
	defaultName string
	logger      *slog.Logger
}

func NewDirectory(backend Backend, defaultName string, logger *slog.Logger) *Directory {
	return &Directory{
		backend:     backend,
		defaultName: defaultName,
		logger:      logging.NewComponentLogger(logger, "hospital_directory"),
	}
}

// Fallback returns the default identity.
func (d *Directory) Fallback() Config {
	return Default(d.defaultName)
}

func (d *Directory) Resolve(ctx context.Context, dialed string) Config {
	if d.backend == nil {
		return d.Fallback()
	}
	hospitals, err := d.backend.ListHospitals(ctx)
	if err != nil {
		d.logger.Warn("hospital_lookup_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonHospitalLookup)))
		return d.Fallback()
	}
	rec, matched := MatchPhone(hospitals, dialed)
	if rec == nil {
		d.logger.Warn("hospital_lookup_empty", slog.String("reason_code", string(errorsx.ReasonHospitalLookup)))
		return d.Fallback()
	}
	if !matched {
		d.logger.Warn("hospital_phone_unmatched", slog.String("hospital_id", rec.ID))
	}

	cfg := Config{ID: rec.ID, Name: rec.Name}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = Default(d.defaultName).Name
	}
	if intents, err := d.backend.GetIntents(ctx, rec.ID); err != nil {
		d.logger.Warn("hospital_intents_failed",
			slog.String("hospital_id", rec.ID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonHospitalLookup)))
	} else {
		cfg.Intents = intents
	}
	if depts, err := d.backend.GetDepartments(ctx, rec.ID); err != nil {
		d.logger.Warn("hospital_departments_failed",
			slog.String("hospital_id", rec.ID),
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonHospitalLookup)))
	} else {
		cfg.Departments = depts
	}
	d.logger.Info("hospital_resolved",
		slog.String("hospital_id", cfg.ID),
		slog.String("hospital", cfg.Name),
		slog.Bool("phone_matched", matched))
	return cfg
}

// MatchPhone finds the hospital owning the dialed number. Numbers compare by
// digits; an exact match or a match on the last ten digits counts. With no
// match the first hospital is returned and matched is false.
func MatchPhone(hospitals []Record, dialed string) (rec *Record, matched bool) {
	if len(hospitals) == 0 {
		return nil, false
	}
	want := Digits(dialed)
	if want != "" {
		// Short numbers only match exactly.
		suffix := ""
		if len(want) >= 10 {
			suffix = want[len(want)-10:]
		}
		for i := range hospitals {
			for _, pn := range hospitals[i].PhoneNumbers {
				have := Digits(pn.TwilioPhoneNumber)
				if have == "" {
					continue
				}
				if have == want || (suffix != "" && strings.HasSuffix(have, suffix)) {
					return &hospitals[i], true
				}
			}
		}
	}
	return &hospitals[0], false
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
