// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

//go:build integration

package access_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/crystalchat/crystal/internal/access/policy/store"
	"github.com/crystalchat/crystal/internal/access/policy/types"
	"github.com/crystalchat/crystal/internal/api"
)

type decision struct {
	Permission types.Permission `json:"permission"`
	Granted    bool             `json:"granted"`
	Reason     types.Reason     `json:"reason"`
	SourceID   string           `json:"source_id"`
}

// call sends a request to the running API and returns the status and body.
func call(method, path, actor, body string) (int, []byte) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	Expect(err).NotTo(HaveOccurred())
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(api.HeaderMemberID, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, data
}

func check(serverID, memberID string, perm types.Permission, query string) decision {
	status, body := call(http.MethodGet,
		"/v1/servers/"+serverID+"/members/"+memberID+"/permissions/"+string(perm)+query, "", "")
	Expect(status).To(Equal(http.StatusOK), string(body))
	var d decision
	Expect(json.Unmarshal(body, &d)).To(Succeed())
	return d
}

// community is a server with an owner, a moderator holding a role and a guest.
type community struct {
	serverID string
	owner    string
	mod      string
	guest    string
	modRole  string
	channel  string
}

func newCommunity(ctx context.Context) community {
	c := community{serverID: "srv-" + ulid.Make().String()}
	c.channel = "general-" + c.serverID
	Expect(env.grants.EnsureServer(ctx, c.serverID, "p-owner")).To(Succeed())
	Expect(env.grants.RegisterTarget(ctx, c.serverID, types.ScopeChannel, c.channel)).To(Succeed())

	for _, m := range []struct {
		profile string
		id      *string
	}{{"p-owner", &c.owner}, {"p-mod", &c.mod}, {"p-guest", &c.guest}} {
		member, err := env.grants.AddMember(ctx, c.serverID, m.profile, types.LegacyGuest)
		Expect(err).NotTo(HaveOccurred())
		*m.id = member.ID
	}

	role, err := env.grants.CreateRole(ctx, c.serverID, store.RoleSpec{Name: "mods"})
	Expect(err).NotTo(HaveOccurred())
	c.modRole = role.ID
	Expect(env.grants.SetRoleGrants(ctx, c.serverID, role.ID, []types.Grant{
		{Permission: types.PermKickMembers, Type: types.GrantAllow, Scope: types.ScopeServer},
		{Permission: types.PermManageRoles, Type: types.GrantAllow, Scope: types.ScopeServer},
	})).To(Succeed())
	Expect(env.grants.AssignRole(ctx, c.serverID, c.mod, role.ID)).To(Succeed())
	return c
}

var _ = Describe("Permission API against PostgreSQL", func() {
	var (
		ctx context.Context
		c   community
	)

	BeforeEach(func() {
		ctx = context.Background()
		c = newCommunity(ctx)
	})

	It("resolves role grants, legacy fallbacks and the owner", func() {
		d := check(c.serverID, c.mod, types.PermKickMembers, "")
		Expect(d.Granted).To(BeTrue())
		Expect(d.Reason).To(Equal(types.ReasonRole))
		Expect(d.SourceID).To(Equal(c.modRole))

		d = check(c.serverID, c.guest, types.PermSendMessages, "?scope=CHANNEL&target="+c.channel)
		Expect(d.Granted).To(BeTrue())
		Expect(d.Reason).To(Equal(types.ReasonLegacy))

		d = check(c.serverID, c.owner, types.PermAdministrator, "")
		Expect(d.Reason).To(Equal(types.ReasonOwner))

		d = check(c.serverID, c.guest, types.PermKickMembers, "")
		Expect(d.Granted).To(BeFalse())
		Expect(d.Reason).To(Equal(types.ReasonDenied))
	})

	It("invalidates cached snapshots when grants change", func() {
		Expect(check(c.serverID, c.mod, types.PermBanMembers, "").Granted).To(BeFalse())

		status, body := call(http.MethodPut, "/v1/servers/"+c.serverID+"/roles/"+c.modRole+"/grants", c.owner,
			`{"grants":[{"permission":"BAN_MEMBERS","type":"ALLOW","scope":"SERVER"}]}`)
		Expect(status).To(Equal(http.StatusNoContent), string(body))

		Eventually(func() bool {
			return check(c.serverID, c.mod, types.PermBanMembers, "").Granted
		}).WithTimeout(5 * time.Second).WithPolling(50 * time.Millisecond).Should(BeTrue())
		Eventually(func() bool {
			return check(c.serverID, c.mod, types.PermKickMembers, "").Granted
		}).WithTimeout(5 * time.Second).Should(BeFalse())
	})

	It("applies a deny override ahead of the member's roles", func() {
		Expect(check(c.serverID, c.mod, types.PermKickMembers, "").Granted).To(BeTrue())

		status, body := call(http.MethodPut, "/v1/servers/"+c.serverID+"/members/"+c.mod+"/overrides", c.owner,
			`{"permission":"KICK_MEMBERS","type":"DENY","reason":"cool-down"}`)
		Expect(status).To(Equal(http.StatusOK), string(body))

		Eventually(func() types.Reason {
			return check(c.serverID, c.mod, types.PermKickMembers, "").Reason
		}).WithTimeout(5 * time.Second).Should(Equal(types.ReasonUserOverride))

		status, _ = call(http.MethodDelete,
			"/v1/servers/"+c.serverID+"/members/"+c.mod+"/overrides?permission=KICK_MEMBERS", c.owner, "")
		Expect(status).To(Equal(http.StatusNoContent))

		Eventually(func() types.Reason {
			return check(c.serverID, c.mod, types.PermKickMembers, "").Reason
		}).WithTimeout(5 * time.Second).Should(Equal(types.ReasonRole))
	})

	It("refuses management above the actor's rank", func() {
		status, _ := call(http.MethodPut, "/v1/servers/"+c.serverID+"/members/"+c.owner+"/overrides", c.mod,
			`{"permission":"SEND_MESSAGES","type":"DENY"}`)
		Expect(status).To(Equal(http.StatusForbidden))

		status, _ = call(http.MethodPut, "/v1/servers/"+c.serverID+"/roles/"+c.modRole+"/position", c.mod,
			`{"position":5}`)
		Expect(status).To(Equal(http.StatusForbidden))

		status, _ = call(http.MethodPost, "/v1/servers/"+c.serverID+"/roles", c.guest, `{"name":"mine"}`)
		Expect(status).To(Equal(http.StatusForbidden))
	})

	It("keeps positions dense under concurrent role creation and reorders", func() {
		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				role, err := env.grants.CreateRole(ctx, c.serverID, store.RoleSpec{Name: "r" + string(rune('a'+i))})
				if err != nil {
					errs <- err
					return
				}
				errs <- env.grants.MoveRole(ctx, c.serverID, role.ID, 1)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		roles, err := env.grants.ListRoles(ctx, c.serverID)
		Expect(err).NotTo(HaveOccurred())
		Expect(roles).To(HaveLen(workers + 2))
		for i, r := range roles {
			Expect(r.Position).To(Equal(len(roles)-1-i), r.Name)
		}
	})

	It("records denials in the audit table", func() {
		check(c.serverID, c.guest, types.PermBanMembers, "")

		Eventually(func() int {
			var n int
			err := env.pool.QueryRow(ctx,
				`SELECT count(*) FROM access_audit_log WHERE server_id = $1 AND member_id = $2 AND NOT granted`,
				c.serverID, c.guest).Scan(&n)
			Expect(err).NotTo(HaveOccurred())
			return n
		}).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 1))
	})

	It("serves concurrent batch checks consistently", func() {
		body := `{"checks":[
			{"permission":"KICK_MEMBERS","scope":"SERVER"},
			{"permission":"SEND_MESSAGES","scope":"CHANNEL","target_id":"` + c.channel + `"},
			{"permission":"BAN_MEMBERS","scope":"SERVER"}
		]}`
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				status, data := call(http.MethodPost,
					"/v1/servers/"+c.serverID+"/members/"+c.mod+"/permissions/check", "", body)
				Expect(status).To(Equal(http.StatusOK))
				var resp struct {
					Results []decision `json:"results"`
				}
				Expect(json.Unmarshal(data, &resp)).To(Succeed())
				Expect(resp.Results).To(HaveLen(3))
				Expect(resp.Results[0].Granted).To(BeTrue())
				Expect(resp.Results[1].Granted).To(BeTrue())
				Expect(resp.Results[2].Granted).To(BeFalse())
			}()
		}
		wg.Wait()
	})
})
