package tictactoe

import (
	"errors"
	"strings"
)

// Mark is a player's symbol.
type Mark byte

const (
	Empty Mark = 0
	X     Mark = 'X'
	O     Mark = 'O'
)

func (m Mark) String() string {
	if m == Empty {
		return ""
	}
	return string(m)
}

// Other returns the opposing mark.
func (m Mark) Other() Mark {
	if m == X {
		return O
	}
	return X
}

var (
	ErrGameOver    = errors.New("game is over")
	ErrNotYourTurn = errors.New("not your turn")
	ErrCellTaken   = errors.New("cell already taken")
	ErrOutOfRange  = errors.New("cell must be between 0 and 8")
)

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Game is one board. X moves first. Not safe for concurrent use.
type Game struct {
	board  [9]Mark
	turn   Mark
	winner Mark
	moves  int
}

// NewGame returns an empty board with X to move.
func NewGame() *Game {
	return &Game{turn: X}
}

// Play places mark on cell.
func (g *Game) Play(mark Mark, cell int) error {
	switch {
	case g.Over():
		return ErrGameOver
	case mark != g.turn:
		return ErrNotYourTurn
	case cell < 0 || cell >= len(g.board):
		return ErrOutOfRange
	case g.board[cell] != Empty:
		return ErrCellTaken
	}

	g.board[cell] = mark
	g.moves++
	if g.wins(mark) {
		g.winner = mark
	}
	g.turn = mark.Other()
	return nil
}

// Over reports whether the game has a winner or a full board.
func (g *Game) Over() bool {
	return g.winner != Empty || g.moves == len(g.board)
}

// Reset clears the board.
func (g *Game) Reset() {
	*g = Game{turn: X}
}

func (g *Game) wins(m Mark) bool {
	for _, l := range lines {
		if g.board[l[0]] == m && g.board[l[1]] == m && g.board[l[2]] == m {
			return true
		}
	}
	return false
}

// State is the wire view of a game.
type State struct {
	Board  string `json:"board"`
	Turn   string `json:"turn,omitempty"`
	Winner string `json:"winner,omitempty"`
	Draw   bool   `json:"draw"`
}

// State renders the board as nine characters, "." for empty cells.
func (g *Game) State() State {
	var b strings.Builder
	for _, c := range g.board {
		if c == Empty {
			b.WriteByte('.')
			continue
		}
		b.WriteByte(byte(c))
	}

	s := State{
		Board:  b.String(),
		Winner: g.winner.String(),
		Draw:   g.winner == Empty && g.moves == len(g.board),
	}
	if !g.Over() {
		s.Turn = g.turn.String()
	}
	return s
}
