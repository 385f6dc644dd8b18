// Copyright 2024 coreroomd contributors
package internal

import "encoding/json"

// memberContent is the JSON shape of m.room.member's content key, the
// wire format spec.md §4.3 builds and reads.
type memberContent struct {
	Membership             string  `json:"membership"`
	DisplayName            *string `json:"displayname,omitempty"`
	AvatarURL              *string `json:"avatar_url,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
	JoinAuthorisedViaUsers string  `json:"join_authorised_via_users_server,omitempty"`
}

// joinRuleContent is the JSON shape of m.room.join_rules' content key.
type joinRuleContent struct {
	JoinRule string           `json:"join_rule"`
	Allow    []joinRuleAllow  `json:"allow,omitempty"`
}

type joinRuleAllow struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

const joinRuleAllowTypeRoomMembership = "m.room_membership"

// gateRooms returns the room ids named by "allow" rules of type
// m.room_membership, the "gate rooms" of a restricted or
// knock_restricted join rule (spec.md §4.3a).
func (c joinRuleContent) gateRooms() []string {
	var out []string
	for _, a := range c.Allow {
		if a.Type == joinRuleAllowTypeRoomMembership && a.RoomID != "" {
			out = append(out, a.RoomID)
		}
	}
	return out
}

// powerLevelContent is the subset of m.room.power_levels' content key
// the membership engine needs: per-user levels and the default invite
// threshold.
type powerLevelContent struct {
	Users       map[string]int64 `json:"users,omitempty"`
	UsersDefault int64           `json:"users_default"`
	Invite      int64           `json:"invite"`
}

const defaultInviteLevel = 0

func parsePowerLevelContent(raw []byte) (powerLevelContent, error) {
	var p powerLevelContent
	if len(raw) == 0 {
		return powerLevelContent{Invite: defaultInviteLevel}, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return powerLevelContent{}, err
	}
	return p, nil
}

// levelFor returns userID's effective power level.
func (p powerLevelContent) levelFor(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// canInvite reports whether userID's power level meets the room's
// invite threshold.
func (p powerLevelContent) canInvite(userID string) bool {
	return p.levelFor(userID) >= p.Invite
}

func parseMemberContent(raw []byte) (memberContent, error) {
	var m memberContent
	if len(raw) == 0 {
		return m, nil
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

func parseJoinRuleContent(raw []byte) (joinRuleContent, error) {
	var j joinRuleContent
	if len(raw) == 0 {
		return joinRuleContent{JoinRule: "invite"}, nil
	}
	err := json.Unmarshal(raw, &j)
	return j, err
}
