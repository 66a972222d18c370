package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"failkit/internal/domain"
)

// HashData returns the content address of v: sha256 over its canonical JSON form.
func HashData(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// NewActionID returns a fresh act_<16 hex> identifier.
func NewActionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "act_" + id[:16]
}

// GenerateOptions carries the optional receipt fields.
type GenerateOptions struct {
	Proof    string
	Metadata map[string]any
	Error    *domain.ReceiptError
	Duration *time.Duration
	Sign     bool
	Now      func() time.Time
}

// Generate builds a receipt for one tool invocation.
func Generate(tool string, input, output any, status domain.ReceiptStatus, opts GenerateOptions) (domain.ActionReceipt, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	inHash, err := HashData(input)
	if err != nil {
		return domain.ActionReceipt{}, err
	}
	outHash, err := HashData(output)
	if err != nil {
		return domain.ActionReceipt{}, err
	}
	r := domain.ActionReceipt{
		ActionID:   NewActionID(),
		ToolName:   tool,
		Timestamp:  now().UTC().Format(time.RFC3339Nano),
		Status:     status,
		InputHash:  inHash,
		OutputHash: outHash,
		Proof:      opts.Proof,
		Metadata:   opts.Metadata,
		Error:      opts.Error,
	}
	if opts.Duration != nil {
		ms := float64(opts.Duration.Microseconds()) / 1000
		r.DurationMS = &ms
	}
	if opts.Sign {
		sig, err := Sign(r)
		if err != nil {
			return domain.ActionReceipt{}, err
		}
		r.Signature = sig
	}
	return r, nil
}

// Sign computes the tamper-detection digest over the receipt's fixed fields.
func Sign(r domain.ActionReceipt) (string, error) {
	return signFields(map[string]string{
		"action_id":   r.ActionID,
		"tool_name":   r.ToolName,
		"timestamp":   r.Timestamp,
		"status":      string(r.Status),
		"input_hash":  r.InputHash,
		"output_hash": r.OutputHash,
	})
}

// VerifySignature reports whether r carries a signature matching its fixed fields.
func VerifySignature(r domain.ActionReceipt) bool {
	if r.Signature == "" {
		return false
	}
	want, err := Sign(r)
	return err == nil && want == r.Signature
}

func signFields(fields map[string]string) (string, error) {
	fixed := make(map[string]string, len(RequiredFields))
	for _, f := range RequiredFields {
		fixed[f] = fields[f]
	}
	return HashData(fixed)
}

// VerifyHashes checks the receipt's hashes against the actual tool input and
// output, as done when replaying a recorded trace.
func VerifyHashes(r domain.ActionReceipt, input, output any) (bool, error) {
	inHash, err := HashData(input)
	if err != nil {
		return false, err
	}
	outHash, err := HashData(output)
	if err != nil {
		return false, err
	}
	return r.InputHash == inHash && r.OutputHash == outHash, nil
}

// Matches reports whether two receipts record the same tool call.
func Matches(a, b domain.ActionReceipt) bool {
	return a.ToolName == b.ToolName && a.InputHash == b.InputHash && a.OutputHash == b.OutputHash
}

// Proves reports whether r is a valid successful receipt for tool.
func Proves(r domain.ActionReceipt, tool string) bool {
	return r.ToolName == tool && r.Status == domain.StatusSuccess && IsValid(r)
}
