package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"competition-engine/internal/domain"
)

// Remote is the slice of the gateway the cache needs: bundle fetches
// during preload and the answer mirror during pending sync.
type Remote interface {
	FetchCompetition(ctx context.Context, id string) (domain.Competition, error)
	FetchQuestions(ctx context.Context, competitionID string) ([]domain.Question, error)
	FetchAnswerOptions(ctx context.Context, questionID string) ([]domain.AnswerOption, error)
	SubmitAnswer(ctx context.Context, answer domain.ParticipantAnswer) error
}

var (
	bucketCompetitions = []byte("competitions")
	bucketQuestions    = []byte("questions")
	bucketOptions      = []byte("options")
	bucketAnswers      = []byte("answers")
	bucketPending      = []byte("pending")
	bucketResults      = []byte("results")
	bucketSelf         = []byte("self")
)

// Cache is the device-resident mirror of competition content. Reads
// never touch the network; answer writes land here first and are
// mirrored to the remote store asynchronously via SyncPendingAnswers.
type Cache struct {
	db     *bolt.DB
	remote Remote
	log    zerolog.Logger
	sf     singleflight.Group
}

// Open creates or reopens the cache file at path.
func Open(path string, remote Remote, log zerolog.Logger) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCompetitions, bucketQuestions, bucketOptions, bucketAnswers, bucketPending, bucketResults, bucketSelf} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache buckets: %w", err)
	}
	return &Cache{db: db, remote: remote, log: log.With().Str("component", "cache").Logger()}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Preload fetches the full question/option bundle once and stores it
// locally. Re-calling is idempotent: rows are keyed, never appended.
// When the remote is unreachable and a prior bundle exists the call
// degrades silently to cached data; with no prior bundle it fails.
func (c *Cache) Preload(ctx context.Context, competitionID string) error {
	_, err, _ := c.sf.Do(competitionID, func() (interface{}, error) {
		return nil, c.preload(ctx, competitionID)
	})
	return err
}

func (c *Cache) preload(ctx context.Context, competitionID string) error {
	comp, err := c.remote.FetchCompetition(ctx, competitionID)
	if err != nil {
		return c.degradeOrFail(competitionID, err)
	}
	questions, err := c.remote.FetchQuestions(ctx, competitionID)
	if err != nil {
		return c.degradeOrFail(competitionID, err)
	}
	sort.Slice(questions, func(i, j int) bool { return questions[i].Position < questions[j].Position })

	options := make(map[string][]domain.AnswerOption, len(questions))
	for _, q := range questions {
		opts, err := c.remote.FetchAnswerOptions(ctx, q.ID)
		if err != nil {
			return c.degradeOrFail(competitionID, err)
		}
		options[q.ID] = opts
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		cData, err := json.Marshal(comp)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCompetitions).Put([]byte(competitionID), cData); err != nil {
			return err
		}
		qData, err := json.Marshal(questions)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketQuestions).Put([]byte(competitionID), qData); err != nil {
			return err
		}
		for questionID, opts := range options {
			oData, err := json.Marshal(opts)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketOptions).Put([]byte(questionID), oData); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) degradeOrFail(competitionID string, cause error) error {
	if c.HasCompetition(competitionID) {
		c.log.Warn().Err(cause).Str("competition", competitionID).Msg("preload failed, serving cached bundle")
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrNoCachedCompetition, cause)
}

// HasCompetition reports whether a question bundle is cached for the competition.
func (c *Cache) HasCompetition(competitionID string) bool {
	var ok bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketQuestions).Get([]byte(competitionID)) != nil
		return nil
	})
	return ok
}

// Competition returns the cached competition metadata.
func (c *Cache) Competition(competitionID string) (domain.Competition, error) {
	var comp domain.Competition
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompetitions).Get([]byte(competitionID))
		if data == nil {
			return domain.ErrNoCachedCompetition
		}
		return json.Unmarshal(data, &comp)
	})
	return comp, err
}

// SaveSelf remembers this device's participant row so a later offline
// session start can reuse it.
func (c *Cache) SaveSelf(p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSelf).Put([]byte(p.CompetitionID+"/"+p.UserID), data)
	})
}

// Self returns the remembered participant row for (competition, user).
func (c *Cache) Self(competitionID, userID string) (domain.Participant, error) {
	var p domain.Participant
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSelf).Get([]byte(competitionID + "/" + userID))
		if data == nil {
			return domain.ErrParticipantNotFound
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// Questions returns the cached question sequence in ordinal order.
func (c *Cache) Questions(competitionID string) ([]domain.Question, error) {
	var questions []domain.Question
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQuestions).Get([]byte(competitionID))
		if data == nil {
			return domain.ErrNoCachedCompetition
		}
		return json.Unmarshal(data, &questions)
	})
	return questions, err
}

// AnswerOptions returns the cached options for a question.
func (c *Cache) AnswerOptions(questionID string) ([]domain.AnswerOption, error) {
	var options []domain.AnswerOption
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOptions).Get([]byte(questionID))
		if data == nil {
			return domain.ErrQuestionNotFound
		}
		return json.Unmarshal(data, &options)
	})
	return options, err
}

func answerKey(participantID, questionID string) []byte {
	return []byte(participantID + "/" + questionID)
}

// SubmitAnswer durably records an answer and queues it for remote
// mirroring, in one transaction. A second call for the same
// (participant, question) is a no-op; created reports whether this
// call stored the row. Success is independent of the remote mirror.
func (c *Cache) SubmitAnswer(answer domain.ParticipantAnswer) (created bool, err error) {
	err = c.db.Update(func(tx *bolt.Tx) error {
		answers := tx.Bucket(bucketAnswers)
		key := answerKey(answer.ParticipantID, answer.QuestionID)
		if answers.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(answer)
		if err != nil {
			return err
		}
		if err := answers.Put(key, data); err != nil {
			return err
		}
		pending := tx.Bucket(bucketPending)
		seq, err := pending.NextSequence()
		if err != nil {
			return err
		}
		var seqKey [8]byte
		binary.BigEndian.PutUint64(seqKey[:], seq)
		if err := pending.Put(seqKey[:], key); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Answers lists all locally recorded answers for a participant.
func (c *Cache) Answers(participantID string) ([]domain.ParticipantAnswer, error) {
	var answers []domain.ParticipantAnswer
	prefix := []byte(participantID + "/")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketAnswers).Cursor()
		for k, v := cur.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cur.Next() {
			var a domain.ParticipantAnswer
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			answers = append(answers, a)
		}
		return nil
	})
	return answers, err
}

// PendingCount reports how many answers still await remote confirmation.
func (c *Cache) PendingCount() int {
	var n int
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n
}

// SyncPendingAnswers mirrors queued answers to the remote store in
// creation order. A duplicate conflict counts as confirmed. On the
// first transport failure remaining rows stay queued for a later
// retry; nothing is lost.
func (c *Cache) SyncPendingAnswers(ctx context.Context) error {
	type entry struct {
		seq    []byte
		answer domain.ParticipantAnswer
	}
	var queue []entry
	var orphans [][]byte
	err := c.db.View(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		answers := tx.Bucket(bucketAnswers)
		return pending.ForEach(func(k, v []byte) error {
			data := answers.Get(v)
			if data == nil {
				orphans = append(orphans, append([]byte(nil), k...))
				return nil
			}
			var a domain.ParticipantAnswer
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			queue = append(queue, entry{seq: append([]byte(nil), k...), answer: a})
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		if err := c.db.Update(func(tx *bolt.Tx) error {
			for _, k := range orphans {
				if err := tx.Bucket(bucketPending).Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	for _, e := range queue {
		err := c.remote.SubmitAnswer(ctx, e.answer)
		if err != nil && !errors.Is(err, domain.ErrDuplicateAnswer) {
			c.log.Warn().Err(err).
				Str("question", e.answer.QuestionID).
				Msg("answer sync failed, keeping pending")
			return err
		}
		if err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPending).Delete(e.seq)
		}); err != nil {
			return err
		}
	}
	return nil
}

// SaveResults persists the final snapshot for offline viewing.
func (c *Cache) SaveResults(snapshot domain.ResultsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(snapshot.CompetitionID), data)
	})
}

// Results returns the stored snapshot for a competition.
func (c *Cache) Results(competitionID string) (domain.ResultsSnapshot, error) {
	var snapshot domain.ResultsSnapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(competitionID))
		if data == nil {
			return domain.ErrNoResults
		}
		return json.Unmarshal(data, &snapshot)
	})
	return snapshot, err
}
