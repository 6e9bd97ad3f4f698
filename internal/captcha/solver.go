package captcha

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/termin-watch/internal/munich"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const chunkSize = 50_000

var (
	ErrUnsolvable           = errors.New("captcha: no solution below maxnumber")
	ErrUnsupportedAlgorithm = errors.New("captcha: unsupported algorithm")
	ErrRejected             = errors.New("captcha: solution rejected")
)

// Solution is the proof-of-work answer submitted for verification.
type Solution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int64  `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
	Took      int64  `json:"took"`
}

// Payload is the base64 encoding of the solution's JSON form.
func (s Solution) Payload() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Solve searches [0, maxnumber) for n such that hex(sha256(salt+n)) equals
// the challenge. The range is handed to workers in ascending chunks, so the
// smallest matching n is returned.
func Solve(ctx context.Context, ch munich.Challenge, workers int) (Solution, error) {
	start := time.Now()

	algo := ch.Algorithm
	if algo == "" {
		algo = "SHA-256"
	}
	if !strings.EqualFold(algo, "SHA-256") {
		return Solution{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
	limit := ch.MaxNumber
	if limit <= 0 {
		return Solution{}, ErrUnsolvable
	}
	// hex digests are lowercase; anything else can never match.
	want, err := hex.DecodeString(ch.Challenge)
	if err != nil || len(want) != sha256.Size || strings.ToLower(ch.Challenge) != ch.Challenge {
		return Solution{}, ErrUnsolvable
	}
	var target [sha256.Size]byte
	copy(target[:], want)

	if workers < 1 {
		workers = 1
	}

	var next, found atomic.Int64
	found.Store(-1)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			buf := make([]byte, 0, len(ch.Salt)+20)
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				lo := next.Add(chunkSize) - chunkSize
				if lo >= limit || found.Load() >= 0 {
					return nil
				}
				hi := min(lo+chunkSize, limit)
				for n := lo; n < hi; n++ {
					buf = strconv.AppendInt(append(buf[:0], ch.Salt...), n, 10)
					if sha256.Sum256(buf) == target {
						keepSmallest(&found, n)
						break
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Solution{}, err
	}

	n := found.Load()
	if n < 0 {
		return Solution{}, ErrUnsolvable
	}
	return Solution{
		Algorithm: algo,
		Challenge: ch.Challenge,
		Number:    n,
		Salt:      ch.Salt,
		Signature: ch.Signature,
		Took:      time.Since(start).Milliseconds(),
	}, nil
}

func keepSmallest(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if cur >= 0 && cur <= n {
			return
		}
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// API is the subset of the remote gateway the solver needs.
type API interface {
	CaptchaChallenge(ctx context.Context) (munich.Challenge, error)
	CaptchaVerify(ctx context.Context, payload string) (munich.VerifyResponse, error)
}

// Solver runs the challenge, solve and verify pipeline.
type Solver struct {
	API     API
	Workers int
	Log     zerolog.Logger
}

// Verify submits a solution and returns the issued token.
func (s *Solver) Verify(ctx context.Context, sol Solution) (string, error) {
	payload, err := sol.Payload()
	if err != nil {
		return "", err
	}
	vr, err := s.API.CaptchaVerify(ctx, payload)
	if err != nil {
		return "", err
	}
	if !vr.Accepted() {
		return "", ErrRejected
	}
	return vr.Token, nil
}

// FreshToken obtains a new captcha token. Failures are logged with the
// stage they happened in.
func (s *Solver) FreshToken(ctx context.Context) (string, error) {
	ch, err := s.API.CaptchaChallenge(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Str("stage", "challenge").Msg("captcha token failed")
		return "", fmt.Errorf("captcha challenge: %w", err)
	}
	sol, err := Solve(ctx, ch, s.Workers)
	if err != nil {
		s.Log.Warn().Err(err).Str("stage", "solve").Int64("maxnumber", ch.MaxNumber).Msg("captcha token failed")
		return "", fmt.Errorf("captcha solve: %w", err)
	}
	token, err := s.Verify(ctx, sol)
	if err != nil {
		s.Log.Warn().Err(err).Str("stage", "verify").Msg("captcha token failed")
		return "", fmt.Errorf("captcha verify: %w", err)
	}
	s.Log.Debug().Int64("number", sol.Number).Int64("took_ms", sol.Took).Msg("captcha solved")
	return token, nil
}
