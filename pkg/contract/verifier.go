package contract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"sync"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// BodyPredicateKind names how a scenario's expected body is compared
// against an actual response body (spec.md §4.11).
type BodyPredicateKind string

const (
	BodySubset BodyPredicateKind = "subset"
	BodyExact  BodyPredicateKind = "exact"
	BodyRegex  BodyPredicateKind = "regex"
)

// BodyPredicate is a scenario's expected-body check.
type BodyPredicate struct {
	Kind    BodyPredicateKind
	Pattern string      // used when Kind == BodyRegex
	Exact   interface{} // used when Kind == BodyExact
	Subset  map[string]interface{} // used when Kind == BodySubset
}

// ExpectedResponse is a scenario's expected outcome.
type ExpectedResponse struct {
	Status int
	Body   BodyPredicate
}

// TaskTestScenario specifies a named precondition, a request, and the
// expected response (spec.md §4.11).
type TaskTestScenario struct {
	Name         string
	Precondition string
	Method       string
	URLTemplate  string
	RequestBody  interface{}
	Expected     ExpectedResponse
}

// RecordedInteraction captures one {environment, request, response}
// tuple keyed by a request fingerprint.
type RecordedInteraction struct {
	Environment string
	Method      string
	URLTemplate string
	RequestBody interface{}
	Status      int
	ResponseBody []byte
}

// Fingerprint is method + URL template + canonicalized body, used as the
// RecordedInteraction's storage key.
func (r RecordedInteraction) Fingerprint() string {
	canon, _ := canonicalizeJSON(r.RequestBody)
	h := sha256.Sum256([]byte(r.Method + "|" + r.URLTemplate + "|" + string(canon)))
	return hex.EncodeToString(h[:])
}

// VerifyResult is Verify's outcome.
type VerifyResult struct {
	Passed bool
	Diff   string
}

// Verifier stores RecordedInteractions and replays TaskTestScenarios
// against a live provider to verify the recorded contract still holds.
type Verifier struct {
	mu           sync.RWMutex
	interactions map[string]RecordedInteraction
	client       *http.Client
}

func NewVerifier(client *http.Client) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{interactions: make(map[string]RecordedInteraction), client: client}
}

// Record stores interaction, keyed by its fingerprint.
func (v *Verifier) Record(interaction RecordedInteraction) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.interactions[interaction.Fingerprint()] = interaction
}

// GetDeployments is not this type's concern; Verify/Record only. (See
// DeploymentMatrix for task -> environment -> version tracking.)

// Verify issues scenario's request against the provider at baseURL and
// checks the response against scenario.Expected (spec.md §4.11). Status
// must match exactly; the body is compared per scenario.Expected.Body.Kind.
func (v *Verifier) Verify(ctx context.Context, baseURL string, scenario TaskTestScenario) (VerifyResult, error) {
	var bodyReader io.Reader
	if scenario.RequestBody != nil {
		encoded, err := json.Marshal(scenario.RequestBody)
		if err != nil {
			return VerifyResult{}, wferrors.Wrap(err, wferrors.KindInternal, "encoding scenario request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, scenario.Method, baseURL+scenario.URLTemplate, bodyReader)
	if err != nil {
		return VerifyResult{}, wferrors.Wrap(err, wferrors.KindInternal, "building scenario request")
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return VerifyResult{}, wferrors.Wrap(err, wferrors.KindHTTPTransport, "issuing scenario request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return VerifyResult{}, wferrors.Wrap(err, wferrors.KindInternal, "reading scenario response")
	}

	if resp.StatusCode != scenario.Expected.Status {
		return VerifyResult{Passed: false, Diff: fmt.Sprintf("expected status %d, got %d", scenario.Expected.Status, resp.StatusCode)}, nil
	}

	return compareBody(scenario.Expected.Body, respBody)
}

func compareBody(pred BodyPredicate, actual []byte) (VerifyResult, error) {
	switch pred.Kind {
	case BodyRegex:
		re, err := regexp.Compile(pred.Pattern)
		if err != nil {
			return VerifyResult{}, wferrors.Wrap(err, wferrors.KindInternal, "compiling body regex predicate")
		}
		if !re.Match(actual) {
			return VerifyResult{Passed: false, Diff: fmt.Sprintf("body did not match pattern %q", pred.Pattern)}, nil
		}
		return VerifyResult{Passed: true}, nil

	case BodyExact:
		expected, err := canonicalizeJSON(pred.Exact)
		if err != nil {
			return VerifyResult{}, err
		}
		actualCanon, err := canonicalizeBytes(actual)
		if err != nil {
			return VerifyResult{}, err
		}
		if !bytes.Equal(expected, actualCanon) {
			return VerifyResult{Passed: false, Diff: fmt.Sprintf("body mismatch: expected %s, got %s", expected, actualCanon)}, nil
		}
		return VerifyResult{Passed: true}, nil

	case BodySubset:
		var actualMap map[string]interface{}
		if err := json.Unmarshal(actual, &actualMap); err != nil {
			return VerifyResult{}, wferrors.Wrap(err, wferrors.KindInternal, "decoding actual body as JSON object")
		}
		for k, want := range pred.Subset {
			got, ok := actualMap[k]
			if !ok {
				return VerifyResult{Passed: false, Diff: fmt.Sprintf("missing field %q in response body", k)}, nil
			}
			wantCanon, _ := canonicalizeJSON(want)
			gotCanon, _ := canonicalizeJSON(got)
			if !bytes.Equal(wantCanon, gotCanon) {
				return VerifyResult{Passed: false, Diff: fmt.Sprintf("field %q: expected %s, got %s", k, wantCanon, gotCanon)}, nil
			}
		}
		return VerifyResult{Passed: true}, nil

	default:
		return VerifyResult{}, wferrors.Newf(wferrors.KindInternal, "unknown body predicate kind %q", pred.Kind)
	}
}

// canonicalizeJSON produces a deterministic JSON encoding of v (sorted
// object keys) so two semantically equal values fingerprint/compare equal
// regardless of field order.
func canonicalizeJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindInternal, "marshaling value for canonicalization")
	}
	return canonicalizeBytes(raw)
}

func canonicalizeBytes(raw []byte) ([]byte, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindInternal, "decoding value for canonicalization")
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf.Write(ib)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}
