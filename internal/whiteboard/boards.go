package whiteboard

import "sync"

// Boards holds one Board per user, all of the same size.
type Boards struct {
	width, height int

	mu     sync.Mutex
	boards map[string]*Board
}

// NewBoards returns an empty set of width x height boards.
func NewBoards(width, height int) *Boards {
	return &Boards{width: width, height: height, boards: make(map[string]*Board)}
}

// Get returns the board of userID, creating a blank one when missing.
func (bs *Boards) Get(userID string) *Board {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.boards[userID]
	if !ok {
		b = New(bs.width, bs.height)
		bs.boards[userID] = b
	}
	return b
}

// Drop forgets the board of userID.
func (bs *Boards) Drop(userID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.boards, userID)
}
