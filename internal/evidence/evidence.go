package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

var ErrIntegrity = errors.New("evidence: bundle hash mismatch")

// Source is the read side of the persistence port the assembler needs.
type Source interface {
	GetAccess(ctx context.Context, id string) (model.HoneytokenAccess, error)
	GetHoneytoken(ctx context.Context, id string) (model.Honeytoken, error)
	ForensicLogsByAccess(ctx context.Context, accessID string) ([]model.ForensicLog, error)
	TopAnomalies(ctx context.Context, userID string, since, until time.Time, limit int) ([]model.AnomalyDetail, error)
	ActivityPatterns(ctx context.Context, userID string, until time.Time) ([]model.ActivityPattern, error)
}

type Params struct {
	TopAnomalies  int
	AnomalyWindow time.Duration
}

func ParamsFrom(c config.EvidenceConfig) Params {
	return Params{TopAnomalies: c.TopAnomalies, AnomalyWindow: c.AnomalyWindow}
}

type Assembler struct {
	src    Source
	params atomic.Value
	now    func() time.Time
}

func NewAssembler(src Source, p Params) *Assembler {
	a := &Assembler{src: src, now: func() time.Time { return time.Now().UTC() }}
	a.params.Store(p)
	return a
}

func (a *Assembler) SetParams(p Params) {
	a.params.Store(p)
}

// Collect builds and seals the bundle for an alert. All windows are anchored
// at the alert's creation time so collecting twice over unchanged data yields
// the same hash.
func (a *Assembler) Collect(ctx context.Context, alert model.Alert) (model.EvidenceBundle, error) {
	b := model.EvidenceBundle{AlertID: alert.ID, AlertType: alert.Type}
	var err error
	switch alert.Type {
	case model.AlertAccess:
		err = a.collectAccess(ctx, alert, &b)
	case model.AlertBehavior:
		err = a.collectBehavior(ctx, alert, &b)
	default:
		err = fmt.Errorf("unknown alert type %q", alert.Type)
	}
	if err != nil {
		return model.EvidenceBundle{}, err
	}
	b.CollectedAt = a.now()
	if err := Seal(&b); err != nil {
		return model.EvidenceBundle{}, err
	}
	return b, nil
}

func (a *Assembler) collectAccess(ctx context.Context, alert model.Alert, b *model.EvidenceBundle) error {
	if alert.AccessID == "" {
		return errors.New("access alert has no access id")
	}
	access, err := a.src.GetAccess(ctx, alert.AccessID)
	if err != nil {
		return fmt.Errorf("load access %s: %w", alert.AccessID, err)
	}
	token, err := a.src.GetHoneytoken(ctx, access.TokenID)
	if err != nil {
		return fmt.Errorf("load honeytoken %s: %w", access.TokenID, err)
	}
	b.AccessDetails = &model.AccessDetails{
		AccessID:      access.ID,
		TokenID:       token.ID,
		TokenName:     token.Name,
		TokenType:     string(token.Type),
		TokenLocation: token.Location,
		AccessTime:    access.AccessTime,
		IPAddress:     access.IPAddress,
		UserAgent:     access.UserAgent,
		Method:        access.Method,
		IsAuthorized:  access.IsAuthorized,
		UserID:        access.UserID,
	}
	logs, err := a.src.ForensicLogsByAccess(ctx, access.ID)
	if err != nil {
		return fmt.Errorf("load forensic logs: %w", err)
	}
	for _, l := range logs {
		if l.Action == model.ActionEvidenceCollection {
			continue
		}
		b.ForensicLogs = append(b.ForensicLogs, l)
	}
	sort.SliceStable(b.ForensicLogs, func(i, j int) bool {
		if b.ForensicLogs[i].Timestamp.Equal(b.ForensicLogs[j].Timestamp) {
			return b.ForensicLogs[i].ID < b.ForensicLogs[j].ID
		}
		return b.ForensicLogs[i].Timestamp.Before(b.ForensicLogs[j].Timestamp)
	})
	return nil
}

func (a *Assembler) collectBehavior(ctx context.Context, alert model.Alert, b *model.EvidenceBundle) error {
	p := a.params.Load().(Params)
	until := alert.CreatedAt
	top, err := a.src.TopAnomalies(ctx, alert.UserID, until.Add(-p.AnomalyWindow), until, p.TopAnomalies)
	if err != nil {
		return fmt.Errorf("load anomalies: %w", err)
	}
	patterns, err := a.src.ActivityPatterns(ctx, alert.UserID, until)
	if err != nil {
		return fmt.Errorf("load activity patterns: %w", err)
	}
	b.AnomalyDetails = top
	b.ActivityPatterns = patterns
	return nil
}

// Seal stores the content hash in the bundle.
func Seal(b *model.EvidenceBundle) error {
	h, err := Hash(*b)
	if err != nil {
		return err
	}
	b.Hash = h
	return nil
}

// Hash is the hex SHA-256 of the canonical JSON form of the bundle without
// its collection time and hash. Struct fields encode in declaration order and
// times are normalised to UTC.
func Hash(b model.EvidenceBundle) (string, error) {
	c := canonical(b)
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func Verify(b model.EvidenceBundle) error {
	h, err := Hash(b)
	if err != nil {
		return err
	}
	if h != b.Hash {
		return fmt.Errorf("%w: stored %s, computed %s", ErrIntegrity, short(b.Hash), short(h))
	}
	return nil
}

// canonical is the hashed form of a bundle. CollectedAt is left out so that
// recollecting the same facts reproduces the same hash; the collection time is
// not covered by Verify.
func canonical(b model.EvidenceBundle) model.EvidenceBundle {
	b.Hash = ""
	b.CollectedAt = time.Time{}
	if b.AccessDetails != nil {
		ad := *b.AccessDetails
		ad.AccessTime = ad.AccessTime.UTC()
		b.AccessDetails = &ad
	}
	if len(b.ForensicLogs) > 0 {
		logs := make([]model.ForensicLog, len(b.ForensicLogs))
		for i, l := range b.ForensicLogs {
			l.Timestamp = l.Timestamp.UTC()
			logs[i] = l
		}
		b.ForensicLogs = logs
	}
	if len(b.AnomalyDetails) > 0 {
		details := make([]model.AnomalyDetail, len(b.AnomalyDetails))
		for i, d := range b.AnomalyDetails {
			d.Timestamp = d.Timestamp.UTC()
			details[i] = d
		}
		b.AnomalyDetails = details
	}
	if len(b.ActivityPatterns) > 0 {
		patterns := make([]model.ActivityPattern, len(b.ActivityPatterns))
		for i, p := range b.ActivityPatterns {
			p.FirstSeen = p.FirstSeen.UTC()
			p.LastSeen = p.LastSeen.UTC()
			patterns[i] = p
		}
		b.ActivityPatterns = patterns
	}
	return b
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
