package game

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Suit represents a card suit
type Suit string

const (
	Hearts   Suit = "hearts"
	Diamonds Suit = "diamonds"
	Clubs    Suit = "clubs"
	Spades   Suit = "spades"
)

// Rank represents a card rank
type Rank string

const (
	Two   Rank = "2"
	Three Rank = "3"
	Four  Rank = "4"
	Five  Rank = "5"
	Six   Rank = "6"
	Seven Rank = "7"
	Eight Rank = "8"
	Nine  Rank = "9"
	Ten   Rank = "10"
	Jack  Rank = "J"
	Queen Rank = "Q"
	King  Rank = "K"
	Ace   Rank = "A"
)

var (
	suits = []Suit{Hearts, Diamonds, Clubs, Spades}
	ranks = []Rank{Two, Three, Four, Five, Six, Seven, Eight, Nine, Ten, Jack, Queen, King, Ace}
)

// Card represents a playing card
type Card struct {
	Suit Suit `json:"suit"`
	Rank Rank `json:"rank"`
}

// String returns a short code for the card (e.g., "AS" for Ace of Spades)
func (c Card) String() string {
	suitChar := map[Suit]string{
		Hearts:   "H",
		Diamonds: "D",
		Clubs:    "C",
		Spades:   "S",
	}
	return string(c.Rank) + suitChar[c.Suit]
}

// Value orders cards by rank only; Two is lowest, Ace highest.
func (c Card) Value() int {
	for i, r := range ranks {
		if r == c.Rank {
			return i + 2
		}
	}
	return 0
}

// NewDeck returns all 52 cards in suit order.
func NewDeck() []Card {
	cards := make([]Card, 0, len(suits)*len(ranks))
	for _, suit := range suits {
		for _, rank := range ranks {
			cards = append(cards, Card{Suit: suit, Rank: rank})
		}
	}
	return cards
}

// ShuffledDeck returns a full deck shuffled with crypto/rand. Players must not
// be able to predict the order from anything they can see.
func ShuffledDeck() ([]Card, error) {
	cards := NewDeck()
	for i := len(cards) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("shuffle deck: %w", err)
		}
		j := int(n.Int64())
		cards[i], cards[j] = cards[j], cards[i]
	}
	return cards, nil
}
