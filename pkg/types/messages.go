// Package types defines the JSON messages exchanged with game
// clients over the websocket.
package types

import (
	"time"

	"github.com/DoyleJ11/arena-backend/internal/room"
)

// Vec3 is a position or euler rotation in arena space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// BlockRef addresses one destructible block in the arena grid.
type BlockRef struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// ClientMessage is anything a client sends.
//
// Type is one of:
//
//	"join"          — Name set; requests room assignment
//	"move"          — Position and Rotation set; fire-and-forget
//	"worldMutation" — Target set; fire-and-forget
//	"eliminateSelf" — no payload; fire-and-forget
type ClientMessage struct {
	Type     string    `json:"type"`
	Name     string    `json:"name,omitempty"`
	Position *Vec3     `json:"position,omitempty"`
	Rotation *Vec3     `json:"rotation,omitempty"`
	Target   *BlockRef `json:"target,omitempty"`
}

// RoomState is the membership snapshot clients render in the lobby
// screen: everyone in the room, the phase, and the open slot count.
type RoomState struct {
	RoomID         string             `json:"room_id"`
	Participants   []room.Participant `json:"players"`
	Status         room.State         `json:"status"`
	SlotsRemaining int                `json:"players_needed"`
}

// ServerMessage is anything the server sends.
//
// Type is one of "roomUpdate", "gameStart", "playerMoved",
// "worldMutated", "errorNotice"; the matching payload fields are set.
type ServerMessage struct {
	Type          string     `json:"type"`
	Room          *RoomState `json:"room,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	Position      *Vec3      `json:"position,omitempty"`
	Rotation      *Vec3      `json:"rotation,omitempty"`
	Target        *BlockRef  `json:"target,omitempty"`
	Error         *Notice    `json:"error,omitempty"`
}

// Notice carries a typed, client-safe failure.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
