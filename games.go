package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrMoveInFlight = errors.New("a move is already pending for this game")

// GameAPI is the REST collaborator for games.
type GameAPI interface {
	Get(ctx context.Context, gameID string) (*Game, error)
	Invite(ctx context.Context, opponentUsername, gameType string) (*Game, error)
	Move(ctx context.Context, gameID string, row, col int) (*Game, error)
	Respond(ctx context.Context, gameID string, accept bool) (*Game, error)
}

// Games keeps server game snapshots in memory. The only client-side rule is
// a per-game lock that allows one outstanding move at a time.
type Games struct {
	api      GameAPI
	ordering GameOrdering
	log      *zap.Logger

	mu     sync.RWMutex
	games  []*Game
	active string
	moving map[string]bool
}

func newGames(api GameAPI, ordering GameOrdering, log *zap.Logger) *Games {
	return &Games{api: api, ordering: ordering, log: log, moving: make(map[string]bool)}
}

// List returns the held games in first-seen order.
func (g *Games) List() []*Game {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Game, len(g.games))
	for i, game := range g.games {
		out[i] = cloneGame(game)
	}
	return out
}

func (g *Games) Get(id string) (*Game, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if i := g.indexLocked(id); i >= 0 {
		return cloneGame(g.games[i]), true
	}
	return nil, false
}

func (g *Games) Active() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// HandleGameEvent upserts a snapshot from either transport. It reports
// whether the snapshot was taken.
func (g *Games) HandleGameEvent(game *Game) bool {
	return g.upsert(game, false)
}

// RequestMove sends a move and replaces local state with the server's answer.
func (g *Games) RequestMove(ctx context.Context, gameID string, row, col int) (*Game, error) {
	g.mu.Lock()
	if g.moving[gameID] {
		g.mu.Unlock()
		return nil, ErrMoveInFlight
	}
	g.moving[gameID] = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.moving, gameID)
		g.mu.Unlock()
	}()

	game, err := g.api.Move(ctx, gameID, row, col)
	if err != nil {
		return nil, fmt.Errorf("move in game %s: %w", gameID, err)
	}
	g.upsert(game, true)
	return cloneGame(game), nil
}

// Fetch loads a game from the server and stores it.
func (g *Games) Fetch(ctx context.Context, gameID string) (*Game, error) {
	game, err := g.api.Get(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("fetch game %s: %w", gameID, err)
	}
	g.upsert(game, true)
	return cloneGame(game), nil
}

// SetActive marks a game active, fetching it first when it is not held.
func (g *Games) SetActive(ctx context.Context, gameID string) error {
	if gameID != "" {
		if _, ok := g.Get(gameID); !ok {
			if _, err := g.Fetch(ctx, gameID); err != nil {
				return err
			}
		}
	}
	g.mu.Lock()
	g.active = gameID
	g.mu.Unlock()
	return nil
}

func (g *Games) Invite(ctx context.Context, opponentUsername, gameType string) (*Game, error) {
	game, err := g.api.Invite(ctx, opponentUsername, gameType)
	if err != nil {
		return nil, fmt.Errorf("invite %s: %w", opponentUsername, err)
	}
	g.upsert(game, true)
	return cloneGame(game), nil
}

func (g *Games) Respond(ctx context.Context, gameID string, accept bool) (*Game, error) {
	game, err := g.api.Respond(ctx, gameID, accept)
	if err != nil {
		return nil, fmt.Errorf("respond to game %s: %w", gameID, err)
	}
	g.upsert(game, true)
	return cloneGame(game), nil
}

// upsert replaces by id or appends. Under OrderSequence a snapshot older
// than the held one is ignored; direct server responses may equal it.
func (g *Games) upsert(game *Game, response bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.indexLocked(game.ID)
	if i < 0 {
		g.games = append(g.games, cloneGame(game))
		return true
	}
	if g.ordering == OrderSequence && !game.newer(g.games[i], response) {
		g.log.Debug("ignoring stale game snapshot",
			zap.String("game_id", game.ID), zap.Int64("seq", game.Seq), zap.Int64("held_seq", g.games[i].Seq))
		return false
	}
	g.games[i] = cloneGame(game)
	return true
}

func (g *Games) reset() {
	g.mu.Lock()
	g.games = nil
	g.active = ""
	g.moving = make(map[string]bool)
	g.mu.Unlock()
}

func (g *Games) indexLocked(id string) int {
	for i, game := range g.games {
		if game.ID == id {
			return i
		}
	}
	return -1
}

func cloneGame(game *Game) *Game {
	cp := *game
	if game.State != nil {
		cp.State = append(json.RawMessage(nil), game.State...)
	}
	return &cp
}
