package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/boxaltcoin/fosscord-server/internal/models"
	"github.com/boxaltcoin/fosscord-server/internal/presence"
)

const (
	// offlineGroupID keys the trailing bucket of offline members.
	offlineGroupID = "offline"
	// onlineGroupID relabels the baseline "everyone" group.
	onlineGroupID = "online"

	defaultRangeLimit = 100
)

type listGroup struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type listMember struct {
	ID       string            `json:"id"`
	GuildID  string            `json:"guild_id"`
	Nick     *string           `json:"nick,omitempty"`
	JoinedAt time.Time         `json:"joined_at"`
	Roles    []string          `json:"roles"`
	User     models.PublicUser `json:"user"`
	Presence models.Presence   `json:"presence"`
}

// listItem is either a group header or a member row; the wire list
// alternates headers with their members.
type listItem struct {
	Group  *listGroup  `json:"group,omitempty"`
	Member *listMember `json:"member,omitempty"`
}

type listOp struct {
	Op    string     `json:"op"`
	Range []int      `json:"range"`
	Items []listItem `json:"items"`
}

type memberListUpdate struct {
	Ops         []listOp    `json:"ops"`
	OnlineCount int         `json:"online_count"`
	MemberCount int         `json:"member_count"`
	ID          string      `json:"id"`
	GuildID     string      `json:"guild_id"`
	Groups      []listGroup `json:"groups"`
}

// listEntry pairs a member with its resolved presence for ordering and
// grouping.
type listEntry struct {
	member   *models.Member
	presence models.Presence
	visible  bool
}

// handleLazyRequest computes the grouped, ordered member list view for the
// requested ranges and keeps the connection subscribed to exactly the
// members it can currently see.
func (g *Gateway) handleLazyRequest(c *Connection, p *RawPayload) error {
	var req lazyRequestData
	if err := json.Unmarshal(p.Data, &req); err != nil {
		return errRequest("malformed lazy request")
	}
	if req.GuildID == "" {
		return errRequest("guild_id is required")
	}
	if len(req.Channels) == 0 {
		return errRequest("must provide channel ranges")
	}

	// One channel scope per request; pick deterministically.
	channelIDs := make([]string, 0, len(req.Channels))
	for id := range req.Channels {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)
	channelID := channelIDs[0]

	ranges := req.Channels[channelID]
	if len(ranges) == 0 {
		return errRequest("missing range list for channel " + channelID)
	}
	for _, r := range ranges {
		if !r.valid() {
			return errRequest("range is not a valid [offset, limit] pair")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	allowed, err := g.store.HasViewChannel(ctx, c.userID, req.GuildID, channelID)
	if err != nil {
		return err
	}
	if !allowed {
		return errRequest("missing view permission on channel " + channelID)
	}

	memberCount, err := g.store.CountGuildMembers(ctx, req.GuildID)
	if err != nil {
		return err
	}

	entries, err := g.loadListEntries(ctx, req.GuildID)
	if err != nil {
		return err
	}
	roles, err := g.orderedRoles(ctx, req.GuildID)
	if err != nil {
		return err
	}

	ops := make([]listOp, 0, len(ranges))
	groups := make([]listGroup, 0)
	seenGroups := make(map[string]struct{})
	visible := make(map[string]struct{})

	for _, rng := range ranges {
		op, opGroups := buildRangeOp(entries, roles, req.GuildID, rng)
		ops = append(ops, op)
		for _, grp := range opGroups {
			if _, ok := seenGroups[grp.ID]; ok {
				continue
			}
			seenGroups[grp.ID] = struct{}{}
			groups = append(groups, grp)
		}
		for _, item := range op.Items {
			if item.Member != nil {
				visible[item.Member.User.ID] = struct{}{}
			}
		}
	}

	// Register this connection for presence deltas of exactly the members
	// now visible; drop subscriptions that fell out of every range.
	for userID := range visible {
		c.subscribe(userID, true)
	}
	c.pruneMemberSubs(visible)

	offlineCount := 0
	for _, grp := range groups {
		if grp.ID == offlineGroupID {
			offlineCount = grp.Count
			break
		}
	}

	return c.sendDispatch(EventGuildMemberListUpdate, memberListUpdate{
		Ops:         ops,
		OnlineCount: memberCount - offlineCount,
		MemberCount: memberCount,
		ID:          "everyone",
		GuildID:     req.GuildID,
		Groups:      groups,
	})
}

// loadListEntries bulk-fetches the guild's members with their sessions and
// resolves each presence once, then orders the whole sequence: highest role
// position first, online-like members before offline, display name last.
// Pagination applies to this fully ordered sequence.
func (g *Gateway) loadListEntries(ctx context.Context, guildID string) ([]listEntry, error) {
	members, err := g.store.GuildMembers(ctx, guildID)
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(members))
	for i := range members {
		userIDs = append(userIDs, members[i].UserID)
	}
	sessionsByUser, err := g.sessions.ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	entries := make([]listEntry, 0, len(members))
	for i := range members {
		m := &members[i]
		defaultStatus := m.User.Settings.Status
		if defaultStatus == "" {
			defaultStatus = models.StatusOnline
		}
		resolved := presence.Resolve(m.UserID, sessionsByUser[m.UserID], defaultStatus)
		entries = append(entries, listEntry{
			member:   m,
			presence: resolved,
			visible:  presence.Visible(resolved.Status),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		if pa, pb := maxRolePosition(a.member), maxRolePosition(b.member); pa != pb {
			return pa > pb
		}
		if a.visible != b.visible {
			return a.visible
		}
		return a.member.DisplayName() < b.member.DisplayName()
	})
	return entries, nil
}

func maxRolePosition(m *models.Member) int {
	pos := 0
	for _, r := range m.Roles {
		if r.Position > pos {
			pos = r.Position
		}
	}
	return pos
}

// orderedRoles returns the guild's roles from highest position to lowest
// with the baseline everyone role moved last.
func (g *Gateway) orderedRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	roles, err := g.store.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		return roles[i].Position > roles[j].Position
	})
	ordered := make([]models.Role, 0, len(roles))
	var everyone *models.Role
	for i := range roles {
		if roles[i].Everyone() {
			everyone = &roles[i]
			continue
		}
		ordered = append(ordered, roles[i])
	}
	if everyone != nil {
		ordered = append(ordered, *everyone)
	}
	return ordered, nil
}

// buildRangeOp pages the ordered sequence, partitions the page into disjoint
// role groups, reclassifies offline members into the trailing bucket, and
// emits alternating headers and member rows.
func buildRangeOp(entries []listEntry, roles []models.Role, guildID string, rng rangeShape) (listOp, []listGroup) {
	offset, limit := rng[0], rng[1]
	if limit == 0 {
		limit = defaultRangeLimit
	}
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	remaining := make([]listEntry, end-offset)
	copy(remaining, entries[offset:end])

	items := make([]listItem, 0, len(remaining)+len(roles))
	groups := make([]listGroup, 0, len(roles)+1)
	var offlineItems []listItem

	for i := range roles {
		role := &roles[i]
		var matched, rest []listEntry
		for _, e := range remaining {
			// Every member holds the baseline role even when the join
			// table does not carry it.
			if e.member.HasRole(role.ID) {
				matched = append(matched, e)
			} else {
				rest = append(rest, e)
			}
		}
		remaining = rest
		if len(matched) == 0 {
			continue
		}

		groupID := role.ID
		if role.Everyone() {
			groupID = onlineGroupID
		}
		group := listGroup{ID: groupID, Count: len(matched)}
		items = append(items, listItem{Group: &group})

		for _, e := range matched {
			row := memberRow(e, guildID)
			if !e.visible {
				row.Presence.Status = models.StatusOffline
				offlineItems = append(offlineItems, listItem{Member: row})
				group.Count--
				continue
			}
			items = append(items, listItem{Member: row})
		}
		groups = append(groups, group)
	}

	if len(offlineItems) > 0 {
		group := listGroup{ID: offlineGroupID, Count: len(offlineItems)}
		items = append(items, listItem{Group: &group})
		items = append(items, offlineItems...)
		groups = append(groups, group)
	}

	return listOp{Op: "SYNC", Range: []int(rng), Items: items}, groups
}

// memberRow builds the wire row: resolved roles minus the baseline, public
// user view and presence block.
func memberRow(e listEntry, guildID string) *listMember {
	roles := make([]string, 0, len(e.member.Roles))
	for _, r := range e.member.Roles {
		if r.ID == guildID {
			continue
		}
		roles = append(roles, r.ID)
	}
	return &listMember{
		ID:       e.member.UserID,
		GuildID:  e.member.GuildID,
		Nick:     e.member.Nick,
		JoinedAt: e.member.JoinedAt,
		Roles:    roles,
		User:     e.member.User.Public(),
		Presence: e.presence,
	}
}
