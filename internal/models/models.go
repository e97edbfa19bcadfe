// Package models defines the status frame model received from the monitored server
// and the enrichment records attached to players.
package models

import (
	"fmt"
	"strings"
)

// ServerStatus is one polling interval snapshot. A nil sub-object means that aspect
// is unknown for this frame.
type ServerStatus struct {
	GameData *GameData   `json:"gameData,omitempty"`
	Lobby    *Lobby      `json:"lobby,omitempty"`
	Server   *ServerInfo `json:"server,omitempty"`
}

// GameData describes the game currently loaded on the server.
type GameData struct {
	CurrentMap *CurrentMap `json:"currentMap,omitempty"`
}

// CurrentMap describes the active map and its limits. TimeLimit is in minutes.
type CurrentMap struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	ScoreLimit int    `json:"scoreLimit"`
	TimeLimit  int    `json:"timeLimit"`
}

// LobbyState is the lobby phase reported by the server.
type LobbyState string

// Lobby holds the player gathering state of the server.
type Lobby struct {
	State      LobbyState `json:"state"`
	MaxPlayers int        `json:"maxPlayers"`
	Players    []Player   `json:"players"`
}

// Player is a lobby member. SteamID is the identity key; Name and IPv4 may repeat or
// change between frames. Location, PlayHours and Bans are filled by enrichment.
type Player struct {
	SteamID   string      `json:"steamId"`
	Name      string      `json:"name"`
	IPv4      string      `json:"ipv4"`
	Location  *Location   `json:"location,omitempty"`
	PlayHours *int64      `json:"playHours,omitempty"`
	Bans      *PlayerBans `json:"bans,omitempty"`
}

// ServerInfo identifies the monitored server.
type ServerInfo struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// ConnectionStats holds transport counters. GameStartTimeMillis is 0 when no game
// timer is running.
type ConnectionStats struct {
	BytesSent           int64   `json:"bytesSent"`
	BytesReceived       int64   `json:"bytesReceived"`
	FPS                 float64 `json:"fps"`
	GameStartTimeMillis int64   `json:"gameStartTimeMillis"`
}

// Location is a geolocation record resolved for a player address.
type Location struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// String renders the location as "City, Region, Country" skipping empty parts.
func (l Location) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return strings.Join(parts, ", ")
}

// PlayerBans is a ban record returned by the reputation gateway.
type PlayerBans struct {
	SteamID          string `json:"SteamId"`
	CommunityBanned  bool   `json:"CommunityBanned"`
	VACBanned        bool   `json:"VACBanned"`
	NumberOfVACBans  int    `json:"NumberOfVACBans"`
	DaysSinceLastBan int    `json:"DaysSinceLastBan"`
	NumberOfGameBans int    `json:"NumberOfGameBans"`
	EconomyBan       string `json:"EconomyBan"`
}

// Banned reports whether the record carries any VAC, game or community ban.
func (b PlayerBans) Banned() bool {
	return b.VACBanned || b.CommunityBanned || b.NumberOfVACBans > 0 || b.NumberOfGameBans > 0
}

// String summarizes the ban record.
func (b PlayerBans) String() string {
	if !b.Banned() {
		return "clean"
	}

	return fmt.Sprintf("vac=%d game=%d community=%t last=%dd",
		b.NumberOfVACBans, b.NumberOfGameBans, b.CommunityBanned, b.DaysSinceLastBan)
}

// CurrentMap returns the active map or nil when none is reported.
func (s *ServerStatus) CurrentMap() *CurrentMap {
	if s == nil || s.GameData == nil {
		return nil
	}

	return s.GameData.CurrentMap
}

// Players returns the lobby players or nil when the lobby is unknown.
func (s *ServerStatus) Players() []Player {
	if s == nil || s.Lobby == nil {
		return nil
	}

	return s.Lobby.Players
}
