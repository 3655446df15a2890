package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stakeplay/backend/internal/models"
)

const (
	HighCardMode = "highcard"

	defaultTurnTimeout = 2 * time.Minute
)

// HighCard: every contender draws one card per round, the single highest rank
// wins. Players tied for the highest card go to another round.
type HighCard struct {
	st highCardState
}

type highCardState struct {
	SessionID    string          `json:"session_id"`
	Participants []string        `json:"participants"`
	Contenders   []string        `json:"contenders"`
	Round        int             `json:"round"`
	Draws        map[string]Card `json:"draws"`
	Deck         []Card          `json:"deck"`
	DeckPos      int             `json:"deck_pos"`
	TurnTimeout  time.Duration   `json:"turn_timeout"`
	Deadline     time.Time       `json:"deadline"`
	History      []HighCardRound `json:"history"`
	Over         bool            `json:"over"`
	Winner       string          `json:"winner,omitempty"`
}

// HighCardRound records a resolved round.
type HighCardRound struct {
	Round   int             `json:"round"`
	Draws   map[string]Card `json:"draws"`
	Leaders []string        `json:"leaders"`
}

type HighCardMove struct {
	Action string `json:"action"`
}

// HighCardDetail is the Outcome detail for one draw.
type HighCardDetail struct {
	Round    int            `json:"round"`
	Player   string         `json:"player"`
	Card     Card           `json:"card"`
	Resolved *HighCardRound `json:"resolved,omitempty"`
}

func (h *HighCard) Start(setup Setup) error {
	if setup.SessionID == "" {
		return errors.New("session id is required")
	}
	if len(setup.Participants) < 2 || len(setup.Participants) > len(suits)*len(ranks) {
		return fmt.Errorf("%w: need 2 to 52 players", models.ErrInvalidParticipants)
	}
	timeout := setup.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	now := setup.Now
	if now.IsZero() {
		now = time.Now()
	}
	deck, err := ShuffledDeck()
	if err != nil {
		return err
	}

	h.st = highCardState{
		SessionID:    setup.SessionID,
		Participants: slices.Clone(setup.Participants),
		Contenders:   slices.Clone(setup.Participants),
		Round:        1,
		Draws:        map[string]Card{},
		Deck:         deck,
		TurnTimeout:  timeout,
		Deadline:     now.Add(timeout),
	}
	return nil
}

func (h *HighCard) ApplyMove(playerID string, move json.RawMessage, now time.Time) (Outcome, error) {
	if h.st.Over {
		return Outcome{}, models.ErrSessionAlreadyOver
	}
	if !slices.Contains(h.st.Contenders, playerID) {
		return Outcome{}, models.ErrNotYourTurn
	}
	if _, drew := h.st.Draws[playerID]; drew {
		return Outcome{}, models.ErrNotYourTurn
	}

	if len(move) > 0 && string(move) != "null" {
		var m HighCardMove
		if err := json.Unmarshal(move, &m); err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", models.ErrInvalidMove, err)
		}
		if m.Action != "" && m.Action != "draw" {
			return Outcome{}, fmt.Errorf("%w: unknown action %q", models.ErrInvalidMove, m.Action)
		}
	}

	deck := h.st.Deck
	if h.st.DeckPos >= len(deck) {
		return Outcome{}, models.ErrSessionAlreadyOver
	}
	card := deck[h.st.DeckPos]
	h.st.DeckPos++
	if h.st.Draws == nil {
		h.st.Draws = map[string]Card{}
	}
	h.st.Draws[playerID] = card
	h.st.Deadline = now.Add(h.st.TurnTimeout)

	detail := HighCardDetail{Round: h.st.Round, Player: playerID, Card: card}
	if len(h.st.Draws) == len(h.st.Contenders) {
		resolved := h.resolveRound(len(deck))
		detail.Resolved = &resolved
	}

	return Outcome{GameOver: h.st.Over, Winner: h.st.Winner, Detail: detail}, nil
}

func (h *HighCard) resolveRound(deckSize int) HighCardRound {
	best := 0
	for _, c := range h.st.Draws {
		if v := c.Value(); v > best {
			best = v
		}
	}
	var leaders []string
	for _, p := range h.st.Contenders {
		if h.st.Draws[p].Value() == best {
			leaders = append(leaders, p)
		}
	}

	round := HighCardRound{Round: h.st.Round, Draws: h.st.Draws, Leaders: leaders}
	h.st.History = append(h.st.History, round)

	switch {
	case len(leaders) == 1:
		h.st.Over = true
		h.st.Winner = leaders[0]
	case deckSize-h.st.DeckPos < len(leaders):
		// deck exhausted on a tie: no winner
		h.st.Over = true
	default:
		h.st.Contenders = leaders
		h.st.Round++
		h.st.Draws = map[string]Card{}
	}
	return round
}

func (h *HighCard) IsExpired(now time.Time) bool {
	return !h.st.Over && !h.st.Deadline.IsZero() && now.After(h.st.Deadline)
}

func (h *HighCard) Serialize() ([]byte, error) {
	return json.Marshal(h.st)
}

func (h *HighCard) Hydrate(data []byte) error {
	var st highCardState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.SessionID == "" || len(st.Participants) < 2 || len(st.Deck) == 0 {
		return errors.New("highcard state is incomplete")
	}
	h.st = st
	return nil
}

// View hides the deck and the position in it.
func (h *HighCard) View() any {
	return struct {
		Participants []string        `json:"participants"`
		Contenders   []string        `json:"contenders"`
		Round        int             `json:"round"`
		Draws        map[string]Card `json:"draws"`
		Deadline     time.Time       `json:"deadline"`
		History      []HighCardRound `json:"history"`
		Over         bool            `json:"over"`
		Winner       string          `json:"winner,omitempty"`
	}{h.st.Participants, h.st.Contenders, h.st.Round, h.st.Draws, h.st.Deadline, h.st.History, h.st.Over, h.st.Winner}
}
