package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"checkin-core/internal/apperr"
	"checkin-core/internal/domain"
	"checkin-core/internal/schedule"
)

// MemoryStore supports the whole core when DB is disabled (dev mode and tests).
// 单把互斥锁保护全部数据，跨实体操作（打卡、合并、迁移成员）天然原子。
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time
	seq map[string]int64

	users       map[int64]*domain.User
	communities map[int64]*domain.Community
	staff       map[[2]int64]*domain.CommunityStaff // (community_id, user_id)
	rules       map[int64]*domain.Rule
	crules      map[int64]*domain.CommunityRule
	mappings    map[[2]int64]*domain.UserCommunityRuleMapping // (user_id, community_rule_id)
	records     map[int64]*domain.CheckinRecord
	relations   map[int64]*domain.SupervisionRelation
	shares      map[string]*domain.ShareLink
	accessLogs  []domain.ShareLinkAccessLog
	codes       map[int64]*domain.VerificationCode
	audits      []domain.UserAuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		seq:         map[string]int64{},
		users:       map[int64]*domain.User{},
		communities: map[int64]*domain.Community{},
		staff:       map[[2]int64]*domain.CommunityStaff{},
		rules:       map[int64]*domain.Rule{},
		crules:      map[int64]*domain.CommunityRule{},
		mappings:    map[[2]int64]*domain.UserCommunityRuleMapping{},
		records:     map[int64]*domain.CheckinRecord{},
		relations:   map[int64]*domain.SupervisionRelation{},
		shares:      map[string]*domain.ShareLink{},
		codes:       map[int64]*domain.VerificationCode{},
	}
}

// WithClock 测试用：created_at / updated_at 默认值的时间源
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Repositories 以同一个 MemoryStore 实现全部仓储
func (m *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Users:          m,
		Communities:    m,
		Staff:          m,
		Rules:          m,
		CommunityRules: m,
		Records:        m,
		Supervision:    m,
		ShareLinks:     m,
		Codes:          m,
		Audit:          m,
		Merge:          m,
	}
}

var (
	_ UsersRepository             = (*MemoryStore)(nil)
	_ CommunitiesRepository       = (*MemoryStore)(nil)
	_ StaffRepository             = (*MemoryStore)(nil)
	_ RulesRepository             = (*MemoryStore)(nil)
	_ CommunityRulesRepository    = (*MemoryStore)(nil)
	_ RecordsRepository           = (*MemoryStore)(nil)
	_ SupervisionRepository       = (*MemoryStore)(nil)
	_ ShareLinksRepository        = (*MemoryStore)(nil)
	_ VerificationCodesRepository = (*MemoryStore)(nil)
	_ AuditRepository             = (*MemoryStore)(nil)
	_ MergeRepository             = (*MemoryStore)(nil)
)

func (m *MemoryStore) nextID(table string) int64 {
	m.seq[table]++
	return m.seq[table]
}

func (m *MemoryStore) appendAudit(a *domain.UserAuditLog, at time.Time) {
	if a == nil {
		return
	}
	log := *a
	log.LogID = m.nextID("audit")
	if log.CreatedAt.IsZero() {
		log.CreatedAt = at
	}
	m.audits = append(m.audits, log)
}

func paginate[T any](all []T, page, size int) []T {
	page, size = normalizePage(page, size)
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func sameRuleID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ========== Users ==========

func (m *MemoryStore) GetUser(_ context.Context, userID int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUsers(_ context.Context, userIDs []int64) (map[int64]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*domain.User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := m.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) GetUserByPhoneHash(_ context.Context, phoneHash string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.PhoneHash != nil && *u.PhoneHash == phoneHash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetUserByWechatID(_ context.Context, openid string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.WechatExternalID != nil && *u.WechatExternalID == openid {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) identityTaken(selfID int64, phoneHash, openid *string) bool {
	for id, u := range m.users {
		if id == selfID {
			continue
		}
		if phoneHash != nil && u.PhoneHash != nil && *u.PhoneHash == *phoneHash {
			return true
		}
		if openid != nil && u.WechatExternalID != nil && *u.WechatExternalID == *openid {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateUser(_ context.Context, u *domain.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identityTaken(0, u.PhoneHash, u.WechatExternalID) {
		return 0, ErrDuplicate
	}
	cp := *u
	cp.UserID = m.nextID("users")
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Role == 0 {
		cp.Role = domain.RoleRegular
	}
	if cp.Status == 0 {
		cp.Status = domain.UserActive
	}
	m.users[cp.UserID] = &cp
	return cp.UserID, nil
}

func (m *MemoryStore) SetPhone(_ context.Context, userID int64, phoneHash, phoneMasked string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if m.identityTaken(userID, &phoneHash, nil) {
		return ErrDuplicate
	}
	u.PhoneHash = &phoneHash
	u.PhoneMasked = &phoneMasked
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetWechatID(_ context.Context, userID int64, openid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if m.identityTaken(userID, nil, &openid) {
		return ErrDuplicate
	}
	u.WechatExternalID = &openid
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetPassword(_ context.Context, userID int64, hash, salt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = &hash
	u.PasswordSalt = &salt
	u.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SearchUsers(_ context.Context, filter UsersFilter) ([]*domain.User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kw := strings.ToLower(strings.TrimSpace(filter.Keyword))
	var all []*domain.User
	for _, u := range m.users {
		if !u.Active() {
			continue
		}
		if filter.CommunityID != nil && !u.InCommunity(*filter.CommunityID) {
			continue
		}
		if filter.PhoneHash != "" && (u.PhoneHash == nil || *u.PhoneHash != filter.PhoneHash) {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(u.Nickname), kw) {
			continue
		}
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	return paginate(all, filter.Page, filter.Size), len(all), nil
}

// recomputeRole 非 super_admin 的全局角色由其工作人员行决定
func (m *MemoryStore) recomputeRole(u *domain.User) {
	if u.Role == domain.RoleSuperAdmin {
		return
	}
	role := domain.RoleRegular
	for key, s := range m.staff {
		if key[1] != u.UserID {
			continue
		}
		if r := s.Role.UserRole(); r > role {
			role = r
		}
	}
	u.Role = role
}

// ========== Communities ==========

func (m *MemoryStore) GetCommunity(_ context.Context, communityID int64) (*domain.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[communityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCommunities(_ context.Context, filter CommunitiesFilter) ([]*domain.Community, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kw := strings.ToLower(strings.TrimSpace(filter.Keyword))
	var all []*domain.Community
	for _, c := range m.communities {
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(c.Name), kw) {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CommunityID < all[j].CommunityID })
	return paginate(all, filter.Page, filter.Size), len(all), nil
}

func (m *MemoryStore) EnsureReserved(_ context.Context, defaultName, blackhouseName string) (domain.ReservedCommunities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensure := func(isDefault bool, name string) int64 {
		for _, c := range m.communities {
			if (isDefault && c.IsDefault) || (!isDefault && c.IsBlackhouse) {
				return c.CommunityID
			}
		}
		for _, c := range m.communities {
			if c.Name == name {
				c.IsDefault, c.IsBlackhouse = isDefault, !isDefault
				c.Status = domain.CommunityEnabled
				return c.CommunityID
			}
		}
		now := m.now()
		c := &domain.Community{
			CommunityID:  m.nextID("communities"),
			Name:         name,
			Status:       domain.CommunityEnabled,
			IsDefault:    isDefault,
			IsBlackhouse: !isDefault,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.communities[c.CommunityID] = c
		return c.CommunityID
	}

	return domain.ReservedCommunities{
		DefaultID:    ensure(true, defaultName),
		BlackhouseID: ensure(false, blackhouseName),
	}, nil
}

func (m *MemoryStore) nameTaken(selfID int64, name string) bool {
	for id, c := range m.communities {
		if id != selfID && c.Name == name {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateCommunity(_ context.Context, c *domain.Community, audit *domain.UserAuditLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(0, c.Name) {
		return 0, ErrDuplicate
	}
	now := m.now()
	cp := *c
	cp.CommunityID = m.nextID("communities")
	cp.IsDefault, cp.IsBlackhouse = false, false
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.communities[cp.CommunityID] = &cp

	m.appendAudit(audit, now)
	return cp.CommunityID, nil
}

func (m *MemoryStore) UpdateCommunity(_ context.Context, c *domain.Community, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.communities[c.CommunityID]
	if !ok {
		return ErrNotFound
	}
	if m.nameTaken(c.CommunityID, c.Name) {
		return ErrDuplicate
	}
	now := m.now()
	cur.Name = c.Name
	cur.Latitude = c.Latitude
	cur.Longitude = c.Longitude
	cur.UpdatedAt = now
	m.appendAudit(audit, now)
	return nil
}

func (m *MemoryStore) SetCommunityStatus(_ context.Context, communityID int64, status domain.CommunityStatus, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[communityID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	c.Status = status
	c.UpdatedAt = now
	m.appendAudit(audit, now)
	return nil
}

func (m *MemoryStore) DeleteCommunity(_ context.Context, communityID, moveTo int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[communityID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.communities[moveTo]; !ok {
		return ErrNotFound
	}

	for key := range m.staff {
		if key[0] == communityID {
			delete(m.staff, key)
		}
	}
	for _, u := range m.users {
		if u.InCommunity(communityID) {
			to := moveTo
			joined := at
			u.CommunityID = &to
			u.CommunityJoinedAt = &joined
			u.UpdatedAt = at
		}
		m.recomputeRole(u)
	}
	for _, r := range m.crules {
		if r.CommunityID == communityID && r.Status != domain.CommunityRuleDeleted {
			deletedAt := at
			r.Status = domain.CommunityRuleDeleted
			r.DeletedAt = &deletedAt
			r.UpdatedAt = at
		}
	}
	delete(m.communities, communityID)
	m.appendAudit(audit, at)
	return nil
}

func (m *MemoryStore) MoveUser(_ context.Context, userID int64, expectFrom *int64, to int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.Active() {
		return ErrNotFound
	}
	if _, ok := m.communities[to]; !ok {
		return ErrNotFound
	}
	if expectFrom != nil && !u.InCommunity(*expectFrom) {
		return apperr.Precondition(apperr.CodeNotMember, "user %d is not a member of community %d", userID, *expectFrom)
	}
	if u.InCommunity(to) {
		return apperr.Conflict(apperr.CodeAlreadyMember, "user %d is already a member of community %d", userID, to)
	}

	if u.CommunityID != nil {
		delete(m.staff, [2]int64{*u.CommunityID, userID})
	}
	dst := to
	joined := at
	u.CommunityID = &dst
	u.CommunityJoinedAt = &joined
	u.UpdatedAt = at
	m.recomputeRole(u)
	m.appendAudit(audit, at)
	return nil
}

// ========== Staff ==========

func (m *MemoryStore) GetStaffRole(_ context.Context, communityID, userID int64) (domain.StaffRole, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[[2]int64{communityID, userID}]
	if !ok {
		return "", false, nil
	}
	return s.Role, true, nil
}

func (m *MemoryStore) ListStaff(_ context.Context, communityID int64) ([]domain.CommunityStaff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CommunityStaff
	for key, s := range m.staff {
		if key[0] != communityID {
			continue
		}
		cp := *s
		if u, ok := m.users[s.UserID]; ok {
			cp.Nickname = u.Nickname
		}
		out = append(out, cp)
	}
	sortStaff(out)
	return out, nil
}

func sortStaff(list []domain.CommunityStaff) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Role != list[j].Role {
			return list[i].Role == domain.StaffManager
		}
		return list[i].UserID < list[j].UserID
	})
}

func (m *MemoryStore) AddStaff(_ context.Context, communityID, userID int64, role domain.StaffRole, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.Active() {
		return ErrNotFound
	}
	if !u.InCommunity(communityID) {
		return apperr.Precondition(apperr.CodeNotMember, "user %d is not a member of community %d", userID, communityID)
	}
	if role == domain.StaffManager {
		for key, s := range m.staff {
			if key[0] == communityID && key[1] != userID && s.Role == domain.StaffManager {
				return apperr.Conflict(apperr.CodeManagerExists, "community %d already has a manager", communityID)
			}
		}
	}

	key := [2]int64{communityID, userID}
	if s, ok := m.staff[key]; ok {
		s.Role = role
	} else {
		m.staff[key] = &domain.CommunityStaff{CommunityID: communityID, UserID: userID, Role: role, CreatedAt: at}
	}
	m.recomputeRole(u)
	u.UpdatedAt = at
	m.appendAudit(audit, at)
	return nil
}

func (m *MemoryStore) RemoveStaff(_ context.Context, communityID, userID int64, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{communityID, userID}
	if _, ok := m.staff[key]; !ok {
		return ErrNotFound
	}
	delete(m.staff, key)
	now := m.now()
	if u, ok := m.users[userID]; ok {
		m.recomputeRole(u)
		u.UpdatedAt = now
	}
	m.appendAudit(audit, now)
	return nil
}

// ========== Personal rules ==========

func (m *MemoryStore) CreateRule(_ context.Context, r *domain.Rule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[r.SoloUserID]; !ok {
		return 0, ErrNotFound
	}
	now := m.now()
	cp := *r
	cp.RuleID = m.nextID("rules")
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.rules[cp.RuleID] = &cp
	return cp.RuleID, nil
}

func (m *MemoryStore) GetRule(_ context.Context, ruleID int64) (*domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || r.Status == domain.RuleDeleted {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r *domain.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.RuleID]
	if !ok || cur.Status == domain.RuleDeleted {
		return ErrNotFound
	}
	cur.Name = r.Name
	cur.Icon = r.Icon
	cur.Schedule = r.Schedule
	cur.Status = r.Status
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SoftDeleteRule(_ context.Context, ruleID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || r.Status == domain.RuleDeleted {
		return ErrNotFound
	}
	deletedAt := at
	r.Status = domain.RuleDeleted
	r.DeletedAt = &deletedAt
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListRules(_ context.Context, userID int64) ([]domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Rule
	for _, r := range m.rules {
		if r.SoloUserID == userID && r.Status != domain.RuleDeleted {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

// ========== Community rules ==========

func (m *MemoryStore) CreateCommunityRule(_ context.Context, r *domain.CommunityRule, audit *domain.UserAuditLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[r.CommunityID]; !ok {
		return 0, ErrNotFound
	}
	now := m.now()
	cp := *r
	cp.CommunityRuleID = m.nextID("community_rules")
	cp.Status = domain.CommunityRuleDraft
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.crules[cp.CommunityRuleID] = &cp
	m.appendAudit(audit, now)
	return cp.CommunityRuleID, nil
}

func (m *MemoryStore) GetCommunityRule(_ context.Context, ruleID int64) (*domain.CommunityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.crules[ruleID]
	if !ok || r.Status == domain.CommunityRuleDeleted {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) liveCommunityRule(ruleID int64) (*domain.CommunityRule, error) {
	r, ok := m.crules[ruleID]
	if !ok || r.Status == domain.CommunityRuleDeleted {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) UpdateCommunityRule(_ context.Context, r *domain.CommunityRule, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.liveCommunityRule(r.CommunityRuleID)
	if err != nil {
		return err
	}
	if cur.Status == domain.CommunityRuleEnabled {
		return apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", r.CommunityRuleID)
	}
	now := m.now()
	cur.Name = r.Name
	cur.Icon = r.Icon
	cur.Schedule = r.Schedule
	cur.UpdatedAt = now
	m.appendAudit(audit, now)
	return nil
}

func (m *MemoryStore) EnableCommunityRule(_ context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveCommunityRule(ruleID)
	if err != nil {
		return err
	}
	if r.Status == domain.CommunityRuleEnabled {
		return apperr.Precondition(apperr.CodeInvalidState, "community rule %d is already enabled", ruleID)
	}
	op, ts := operatorID, at
	r.Status = domain.CommunityRuleEnabled
	r.EnabledBy = &op
	r.EnabledAt = &ts
	r.UpdatedAt = at

	for _, u := range m.users {
		if u.Active() && u.InCommunity(r.CommunityID) {
			m.ensureMapping(u.UserID, ruleID)
		}
	}
	m.appendAudit(audit, at)
	return nil
}

func (m *MemoryStore) DisableCommunityRule(_ context.Context, ruleID, operatorID int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveCommunityRule(ruleID)
	if err != nil {
		return err
	}
	if r.Status != domain.CommunityRuleEnabled {
		return apperr.Precondition(apperr.CodeInvalidState, "community rule %d is not enabled", ruleID)
	}
	op, ts := operatorID, at
	r.Status = domain.CommunityRuleDraft
	r.DisabledBy = &op
	r.DisabledAt = &ts
	r.UpdatedAt = at
	m.appendAudit(audit, at)
	return nil
}

func (m *MemoryStore) DeleteCommunityRule(_ context.Context, ruleID int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.liveCommunityRule(ruleID)
	if err != nil {
		return err
	}
	if r.Status == domain.CommunityRuleEnabled {
		return apperr.Conflict(apperr.CodeRuleEnabled, "community rule %d is enabled", ruleID)
	}
	ts := at
	r.Status = domain.CommunityRuleDeleted
	r.DeletedAt = &ts
	r.UpdatedAt = at
	m.appendAudit(audit, at)
	return nil
}

func (m *MemoryStore) ListCommunityRules(_ context.Context, communityID int64, includeDisabled bool) ([]domain.CommunityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CommunityRule
	for _, r := range m.crules {
		if r.CommunityID != communityID {
			continue
		}
		if r.Status == domain.CommunityRuleEnabled || (includeDisabled && r.Status == domain.CommunityRuleDraft) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommunityRuleID < out[j].CommunityRuleID })
	return out, nil
}

// ensureMapping 缺失时插入 is_active=true，返回是否新建
func (m *MemoryStore) ensureMapping(userID, ruleID int64) bool {
	key := [2]int64{userID, ruleID}
	if _, ok := m.mappings[key]; ok {
		return false
	}
	m.mappings[key] = &domain.UserCommunityRuleMapping{UserID: userID, CommunityRuleID: ruleID, IsActive: true}
	return true
}

func (m *MemoryStore) ListActiveForUser(_ context.Context, userID, communityID int64) ([]domain.CommunityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CommunityRule
	for _, r := range m.crules {
		if r.CommunityID != communityID || r.Status != domain.CommunityRuleEnabled {
			continue
		}
		m.ensureMapping(userID, r.CommunityRuleID)
		if m.mappings[[2]int64{userID, r.CommunityRuleID}].IsActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommunityRuleID < out[j].CommunityRuleID })
	return out, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID, communityID int64) ([]domain.CommunityRuleForUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CommunityRuleForUser
	for _, r := range m.crules {
		if r.CommunityID != communityID {
			continue
		}
		if r.Status != domain.CommunityRuleEnabled && !r.Disabled() {
			continue
		}
		active := true
		if mp, ok := m.mappings[[2]int64{userID, r.CommunityRuleID}]; ok {
			active = mp.IsActive
		}
		out = append(out, domain.CommunityRuleForUser{Rule: *r, IsActive: active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule.CommunityRuleID < out[j].Rule.CommunityRuleID })
	return out, nil
}

func (m *MemoryStore) SetMappingActive(_ context.Context, userID, ruleID int64, active bool, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.liveCommunityRule(ruleID); err != nil {
		return err
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	now := m.now()
	key := [2]int64{userID, ruleID}
	if mp, ok := m.mappings[key]; ok {
		mp.IsActive = active
	} else {
		m.mappings[key] = &domain.UserCommunityRuleMapping{UserID: userID, CommunityRuleID: ruleID, IsActive: active}
	}
	m.appendAudit(audit, now)
	return nil
}

func (m *MemoryStore) GetMapping(_ context.Context, userID, ruleID int64) (*domain.UserCommunityRuleMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[[2]int64{userID, ruleID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mp
	return &cp, nil
}

func (m *MemoryStore) ReconcileAllMappings(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.crules {
		if r.Status != domain.CommunityRuleEnabled {
			continue
		}
		for _, u := range m.users {
			if u.Active() && u.InCommunity(r.CommunityID) && m.ensureMapping(u.UserID, r.CommunityRuleID) {
				n++
			}
		}
	}
	return n, nil
}

// ========== Records ==========

func (m *MemoryStore) dayRecords(userID int64, ref domain.RuleRef, day schedule.Date) []domain.CheckinRecord {
	var out []domain.CheckinRecord
	for _, r := range m.records {
		if r.SoloUserID == userID && r.Ref() == ref && r.PlannedDate == day {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

func (m *MemoryStore) Checkin(_ context.Context, in CheckinInput) (*domain.CheckinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, missed, err := domain.DecideCheckin(m.dayRecords(in.UserID, in.Ref, in.PlannedDate))
	if err != nil {
		return nil, err
	}
	now := in.Now
	if action == domain.CheckinUpgrade {
		rec := m.records[missed.RecordID]
		rec.Status = domain.RecordChecked
		rec.CheckinTime = &now
		rec.UpdatedAt = now
		cp := *rec
		return &cp, nil
	}

	rec := &domain.CheckinRecord{
		RecordID:    m.nextID("records"),
		SoloUserID:  in.UserID,
		PlannedTime: in.PlannedTime,
		PlannedDate: in.PlannedDate,
		CheckinTime: &now,
		Status:      domain.RecordChecked,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec.SetRef(in.Ref)
	m.records[rec.RecordID] = rec
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) CancelCheckin(_ context.Context, recordID, userID int64, now time.Time, window time.Duration) (*domain.CheckinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := domain.CheckCancel(rec, userID, now, window); err != nil {
		return nil, err
	}
	rec.Status = domain.RecordRevoked
	rec.CheckinTime = nil
	rec.UpdatedAt = now
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, recordID int64) (*domain.CheckinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, userID int64, from, to schedule.Date) ([]domain.CheckinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CheckinRecord
	for _, r := range m.records {
		if r.SoloUserID != userID || r.PlannedDate.Before(from) || r.PlannedDate.After(to) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlannedTime.Equal(out[j].PlannedTime) {
			return out[i].PlannedTime.Before(out[j].PlannedTime)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

func (m *MemoryStore) CountRecords(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.SoloUserID == userID {
			n++
		}
	}
	return n, nil
}

// ========== Supervision ==========

func (m *MemoryStore) GetRelation(_ context.Context, relationID int64) (*domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relations[relationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

func (m *MemoryStore) GetRelationByInviteToken(_ context.Context, token string) (*domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range m.relations {
		if rel.InviteToken != nil && *rel.InviteToken == token {
			cp := *rel
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) findTriple(soloID, supervisorID int64, ruleID *int64) *domain.SupervisionRelation {
	for _, rel := range m.relations {
		if rel.SoloUserID == soloID && rel.SupervisorUserID == supervisorID && sameRuleID(rel.RuleID, ruleID) {
			return rel
		}
	}
	return nil
}

func (m *MemoryStore) FindRelation(_ context.Context, soloID, supervisorID int64, ruleID *int64) (*domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := m.findTriple(soloID, supervisorID, ruleID)
	if rel == nil {
		return nil, ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

func (m *MemoryStore) UpsertInvite(_ context.Context, in *domain.SupervisionRelation) (*domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rel := m.findTriple(in.SoloUserID, in.SupervisorUserID, in.RuleID)
	if rel != nil {
		if rel.Status == domain.SupervisionAccepted {
			return nil, apperr.Precondition(apperr.CodeInvalidState, "relation %d is already accepted", rel.RelationID)
		}
		rel.Status = domain.SupervisionPending
		rel.InviteToken = in.InviteToken
		rel.InviteExpiresAt = in.InviteExpiresAt
		rel.UpdatedAt = now
		cp := *rel
		return &cp, nil
	}
	rel = &domain.SupervisionRelation{
		RelationID:       m.nextID("relations"),
		SoloUserID:       in.SoloUserID,
		SupervisorUserID: in.SupervisorUserID,
		RuleID:           in.RuleID,
		Status:           domain.SupervisionPending,
		InviteToken:      in.InviteToken,
		InviteExpiresAt:  in.InviteExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.relations[rel.RelationID] = rel
	cp := *rel
	return &cp, nil
}

func (m *MemoryStore) UpsertAccepted(_ context.Context, soloID, supervisorID int64, ruleID *int64, at time.Time) (*domain.SupervisionRelation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel := m.findTriple(soloID, supervisorID, ruleID)
	if rel != nil {
		rel.Status = domain.SupervisionAccepted
		rel.InviteToken = nil
		rel.InviteExpiresAt = nil
		rel.UpdatedAt = at
		cp := *rel
		return &cp, false, nil
	}
	rel = &domain.SupervisionRelation{
		RelationID:       m.nextID("relations"),
		SoloUserID:       soloID,
		SupervisorUserID: supervisorID,
		RuleID:           ruleID,
		Status:           domain.SupervisionAccepted,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	m.relations[rel.RelationID] = rel
	cp := *rel
	return &cp, true, nil
}

func (m *MemoryStore) TransitionRelation(_ context.Context, relationID int64, from []domain.SupervisionStatus, to domain.SupervisionStatus, at time.Time) (*domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relations[relationID]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if rel.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Precondition(apperr.CodeInvalidState, "relation %d is %s", relationID, rel.Status)
	}
	rel.Status = to
	rel.InviteToken = nil
	rel.InviteExpiresAt = nil
	rel.UpdatedAt = at
	cp := *rel
	return &cp, nil
}

func (m *MemoryStore) listRelations(match func(*domain.SupervisionRelation) bool) []domain.SupervisionRelation {
	var out []domain.SupervisionRelation
	for _, rel := range m.relations {
		if match(rel) {
			out = append(out, *rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelationID < out[j].RelationID })
	return out
}

func (m *MemoryStore) ListBySolo(_ context.Context, soloID int64) ([]domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRelations(func(r *domain.SupervisionRelation) bool { return r.SoloUserID == soloID }), nil
}

func (m *MemoryStore) ListBySupervisor(_ context.Context, supervisorID int64) ([]domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRelations(func(r *domain.SupervisionRelation) bool { return r.SupervisorUserID == supervisorID }), nil
}

func (m *MemoryStore) ListAccepted(_ context.Context, supervisorID, soloID int64) ([]domain.SupervisionRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRelations(func(r *domain.SupervisionRelation) bool {
		return r.SupervisorUserID == supervisorID && r.SoloUserID == soloID && r.Status == domain.SupervisionAccepted
	}), nil
}

func (m *MemoryStore) PurgeExpiredInvites(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rel := range m.relations {
		if rel.InviteToken != nil && rel.InviteExpiresAt != nil && !now.Before(*rel.InviteExpiresAt) {
			rel.InviteToken = nil
			rel.InviteExpiresAt = nil
			rel.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ========== Share links ==========

func (m *MemoryStore) CreateShareLink(_ context.Context, link *domain.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[link.Token]; ok {
		return ErrDuplicate
	}
	cp := *link
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.shares[cp.Token] = &cp
	return nil
}

func (m *MemoryStore) GetShareLink(_ context.Context, token string) (*domain.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.shares[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *link
	return &cp, nil
}

func (m *MemoryStore) AppendAccessLog(_ context.Context, log *domain.ShareLinkAccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	cp.LogID = m.nextID("access_logs")
	if cp.AccessedAt.IsZero() {
		cp.AccessedAt = m.now()
	}
	m.accessLogs = append(m.accessLogs, cp)
	return nil
}

func (m *MemoryStore) ListAccessLogs(_ context.Context, token string) ([]domain.ShareLinkAccessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ShareLinkAccessLog
	for _, l := range m.accessLogs {
		if l.Token == token {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteExpiredShareLinks(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, link := range m.shares {
		if link.Expired(now) {
			delete(m.shares, token)
			n++
		}
	}
	return n, nil
}

// ========== Verification codes ==========

func (m *MemoryStore) ReplaceCode(_ context.Context, code *domain.VerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.PhoneHash == code.PhoneHash && c.Purpose == code.Purpose && !c.IsUsed {
			c.IsUsed = true
		}
	}
	cp := *code
	cp.CodeID = m.nextID("codes")
	cp.IsUsed = false
	m.codes[cp.CodeID] = &cp
	return nil
}

func (m *MemoryStore) GetLiveCode(_ context.Context, phoneHash string, purpose domain.VerificationPurpose, now time.Time) (*domain.VerificationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.PhoneHash == phoneHash && c.Purpose == purpose && !c.IsUsed && now.Before(c.ExpiresAt) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) MarkCodeUsed(_ context.Context, codeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.IsUsed {
		return ErrNotFound
	}
	c.IsUsed = true
	return nil
}

func (m *MemoryStore) DeleteExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.codes {
		if !now.Before(c.ExpiresAt) {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}

// ========== Audit ==========

func (m *MemoryStore) AppendAudit(_ context.Context, log *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAudit(log, m.now())
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, userID int64) ([]domain.UserAuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserAuditLog
	for _, a := range m.audits {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ========== Merge ==========

func (m *MemoryStore) MergeUsers(_ context.Context, primaryID, secondaryID int64, at time.Time, audit *domain.UserAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if primaryID == secondaryID {
		return apperr.InvalidArgument("cannot merge a user into itself")
	}
	primary, ok := m.users[primaryID]
	if !ok {
		return ErrNotFound
	}
	secondary, ok := m.users[secondaryID]
	if !ok {
		return ErrNotFound
	}
	if !primary.Active() || !secondary.Active() {
		return apperr.Precondition(apperr.CodeInvalidState, "both users must be active to merge")
	}

	// 身份字段：先释放次账号，再补齐主账号
	phoneHash, phoneMasked, openid := secondary.PhoneHash, secondary.PhoneMasked, secondary.WechatExternalID
	pwHash, pwSalt := secondary.PasswordHash, secondary.PasswordSalt
	secondary.PhoneHash, secondary.PhoneMasked, secondary.WechatExternalID = nil, nil, nil
	secondary.PasswordHash, secondary.PasswordSalt = nil, nil
	if primary.PhoneHash == nil && phoneHash != nil {
		primary.PhoneHash, primary.PhoneMasked = phoneHash, phoneMasked
	}
	if primary.WechatExternalID == nil && openid != nil {
		primary.WechatExternalID = openid
	}
	if primary.PasswordHash == nil && pwHash != nil {
		primary.PasswordHash, primary.PasswordSalt = pwHash, pwSalt
	}
	if primary.Nickname == "" {
		primary.Nickname = secondary.Nickname
	}
	if primary.AvatarURL == "" {
		primary.AvatarURL = secondary.AvatarURL
	}

	for _, r := range m.rules {
		if r.SoloUserID == secondaryID {
			r.SoloUserID = primaryID
			r.UpdatedAt = at
		}
	}

	// 同一社区规则同一天双方都已打卡时，次账号那条降为 revoked，避免违反唯一约束
	for _, rec := range m.records {
		if rec.SoloUserID != secondaryID {
			continue
		}
		if rec.Status == domain.RecordChecked {
			for _, other := range m.records {
				if other.SoloUserID == primaryID && other.Status == domain.RecordChecked &&
					other.Ref() == rec.Ref() && other.PlannedDate == rec.PlannedDate {
					rec.Status = domain.RecordRevoked
					rec.CheckinTime = nil
					break
				}
			}
		}
		rec.SoloUserID = primaryID
		rec.UpdatedAt = at
	}

	for key, mp := range m.mappings {
		if key[0] != secondaryID {
			continue
		}
		delete(m.mappings, key)
		pk := [2]int64{primaryID, key[1]}
		if _, ok := m.mappings[pk]; !ok {
			mp.UserID = primaryID
			m.mappings[pk] = mp
		}
	}

	for id, rel := range m.relations {
		if rel.SoloUserID != secondaryID && rel.SupervisorUserID != secondaryID {
			continue
		}
		solo, sup := rel.SoloUserID, rel.SupervisorUserID
		if solo == secondaryID {
			solo = primaryID
		}
		if sup == secondaryID {
			sup = primaryID
		}
		if solo == sup {
			delete(m.relations, id)
			continue
		}
		if dup := m.findTriple(solo, sup, rel.RuleID); dup != nil && dup.RelationID != id {
			delete(m.relations, id)
			continue
		}
		rel.SoloUserID, rel.SupervisorUserID = solo, sup
		rel.UpdatedAt = at
	}

	for _, link := range m.shares {
		if link.SoloUserID == secondaryID {
			link.SoloUserID = primaryID
		}
	}

	for key, s := range m.staff {
		if key[1] != secondaryID {
			continue
		}
		delete(m.staff, key)
		pk := [2]int64{key[0], primaryID}
		if _, ok := m.staff[pk]; ok || !primary.InCommunity(key[0]) {
			continue
		}
		s.UserID = primaryID
		m.staff[pk] = s
	}

	if secondary.Role > primary.Role && secondary.Role == domain.RoleSuperAdmin {
		primary.Role = domain.RoleSuperAdmin
	}
	m.recomputeRole(primary)
	m.recomputeRole(secondary)
	primary.UpdatedAt = at

	secondary.Status = domain.UserDisabled
	secondary.UpdatedAt = at

	m.appendAudit(audit, at)
	return nil
}
