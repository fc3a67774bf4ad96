package perun

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// rpcServer fakes the manager/method RPC surface of the directory.
type rpcServer struct {
	t        *testing.T
	handlers map[string]func(payload map[string]any) (int, any)
	calls    []string
}

func newRPCServer(t *testing.T) (*rpcServer, *Client) {
	t.Helper()
	srv := &rpcServer{t: t, handlers: make(map[string]func(payload map[string]any) (int, any))}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, NewClient(ts.URL, "service", "secret", slog.Default())
}

func (s *rpcServer) on(manager, method string, fn func(payload map[string]any) (int, any)) {
	s.handlers[manager+"/"+method] = fn
}

func (s *rpcServer) called(manager, method string) int {
	n := 0
	for _, c := range s.calls {
		if c == manager+"/"+method {
			n++
		}
	}
	return n
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/krb/rpc/json/"
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, prefix) {
		s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
		return
	}
	if _, _, ok := r.BasicAuth(); !ok {
		s.t.Error("missing basic auth")
	}

	name := strings.TrimPrefix(r.URL.Path, prefix)
	s.calls = append(s.calls, name)

	handler, ok := s.handlers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.t.Errorf("decode payload for %s: %v", name, err)
	}
	status, resp := handler(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp != nil {
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *rpcServer) asLoggedUser(id int64) {
	s.on("authzResolver", "getLoggedUser", func(map[string]any) (int, any) {
		return http.StatusOK, DirectoryUser{ID: id}
	})
}

func TestEnsureGroupReusesExistingGroup(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.asLoggedUser(99)
	srv.on("groupsManager", "getAllSubGroups", func(map[string]any) (int, any) {
		return http.StatusOK, []Group{{ID: 10, ShortName: "Community bio"}}
	})
	srv.on("groupsManager", "getAdmins", func(map[string]any) (int, any) {
		return http.StatusOK, []DirectoryUser{{ID: 99}}
	})

	group, created, err := client.EnsureGroup(context.Background(), "Community bio", "desc", 1)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(10), group.ID)
	require.Zero(t, srv.called("groupsManager", "createGroup"))
	require.Zero(t, srv.called("groupsManager", "addAdmin"))
}

func TestEnsureGroupCreatesWhenAbsent(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.asLoggedUser(99)
	srv.on("groupsManager", "getAllSubGroups", func(map[string]any) (int, any) {
		return http.StatusOK, []Group{}
	})
	srv.on("groupsManager", "createGroup", func(payload map[string]any) (int, any) {
		require.Equal(t, "Community bio", payload["name"])
		return http.StatusOK, Group{ID: 11, ShortName: "Community bio"}
	})
	srv.on("registrarManager", "copyForm", func(map[string]any) (int, any) {
		return http.StatusOK, nil
	})
	srv.on("registrarManager", "copyMails", func(map[string]any) (int, any) {
		return http.StatusOK, nil
	})
	srv.on("groupsManager", "getAdmins", func(map[string]any) (int, any) {
		return http.StatusOK, []DirectoryUser{}
	})
	srv.on("groupsManager", "addAdmin", func(payload map[string]any) (int, any) {
		require.EqualValues(t, 11, payload["group"])
		require.EqualValues(t, 99, payload["user"])
		return http.StatusOK, nil
	})

	group, created, err := client.EnsureGroup(context.Background(), "Community bio", "desc", 1)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(11), group.ID)
	require.Equal(t, 1, srv.called("registrarManager", "copyForm"))
	require.Equal(t, 1, srv.called("registrarManager", "copyMails"))
	require.Equal(t, 1, srv.called("groupsManager", "addAdmin"))
}

func TestEnsureGroupRegrantsLostAdmin(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.asLoggedUser(99)
	srv.on("groupsManager", "getAllSubGroups", func(map[string]any) (int, any) {
		return http.StatusOK, []Group{{ID: 10, ShortName: "g"}}
	})
	srv.on("groupsManager", "getAdmins", func(map[string]any) (int, any) {
		return http.StatusOK, []DirectoryUser{{ID: 5}}
	})
	srv.on("groupsManager", "addAdmin", func(map[string]any) (int, any) {
		return http.StatusOK, nil
	})

	_, created, err := client.EnsureGroup(context.Background(), "g", "desc", 1)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 1, srv.called("groupsManager", "addAdmin"))
}

func TestEnsureResourceTreatsNotExistsExceptionAsAbsent(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getResourceByName", func(map[string]any) (int, any) {
		return http.StatusBadRequest, rpcError{Name: "ResourceNotExistsException", Message: "no such resource"}
	})
	srv.on("resourcesManager", "createResource", func(payload map[string]any) (int, any) {
		require.Equal(t, "Community:bio", payload["name"])
		return http.StatusOK, Resource{ID: 20, Name: "Community:bio"}
	})

	res, created, err := client.EnsureResource(context.Background(), 1, 2, "Community:bio", "desc")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(20), res.ID)
}

func TestEnsureResourceReusesExisting(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getResourceByName", func(map[string]any) (int, any) {
		return http.StatusOK, Resource{ID: 20, Name: "Community:bio"}
	})

	res, created, err := client.EnsureResource(context.Background(), 1, 2, "Community:bio", "desc")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(20), res.ID)
	require.Zero(t, srv.called("resourcesManager", "createResource"))
}

func TestEnsureResourcePropagatesOtherErrors(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getResourceByName", func(map[string]any) (int, any) {
		return http.StatusInternalServerError, rpcError{Name: "InternalErrorException"}
	})

	_, _, err := client.EnsureResource(context.Background(), 1, 2, "Community:bio", "desc")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Zero(t, srv.called("resourcesManager", "createResource"))
}

func TestAssignGroupToResourceIsIdempotent(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getAssignedGroups", func(map[string]any) (int, any) {
		return http.StatusOK, []Group{{ID: 10}}
	})

	require.NoError(t, client.AssignGroupToResource(context.Background(), 20, 10))
	require.Zero(t, srv.called("resourcesManager", "assignGroupToResource"))
}

func TestEnsureCapabilitiesSkipsWriteWhenPresent(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("attributesManager", "getAttribute", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{
			"id":    3585,
			"value": []string{"res:communities:bio:role:member", "unrelated:capability"},
		}
	})

	err := client.EnsureCapabilities(context.Background(), 20, 3585, []string{"res:communities:bio:role:member"})
	require.NoError(t, err)
	require.Zero(t, srv.called("attributesManager", "setAttribute"))
}

func TestEnsureCapabilitiesUnionsWithExistingValues(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("attributesManager", "getAttribute", func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{
			"id":    3585,
			"value": []string{"unrelated:capability"},
		}
	})

	var written []string
	srv.on("attributesManager", "setAttribute", func(payload map[string]any) (int, any) {
		attr, ok := payload["attribute"].(map[string]any)
		require.True(t, ok)
		values, ok := attr["value"].([]any)
		require.True(t, ok)
		for _, v := range values {
			written = append(written, v.(string))
		}
		return http.StatusOK, nil
	})

	err := client.EnsureCapabilities(context.Background(), 20, 3585, []string{"res:communities:bio:role:member"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"unrelated:capability", "res:communities:bio:role:member"}, written)
}

func enriched(res Resource, capabilities ...string) map[string]any {
	return map[string]any{
		"resource": res,
		"attributes": []map[string]any{{
			"namespace":    "urn:perun:resource:attribute-def:def",
			"friendlyName": "capabilities",
			"value":        capabilities,
		}},
	}
}

func TestResourceByCapabilityFindsSingleMatch(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getEnrichedResourcesForFacility", func(map[string]any) (int, any) {
		return http.StatusOK, []map[string]any{
			enriched(Resource{ID: 20, VoID: 1}, "res:communities:bio:role:member"),
			enriched(Resource{ID: 21, VoID: 1}, "res:communities:bio:role:curator"),
		}
	})

	res, err := client.ResourceByCapability(context.Background(), 1, 2, "res:communities:bio:role:member")
	require.NoError(t, err)
	require.Equal(t, int64(20), res.ID)
}

func TestResourceByCapabilityIgnoresForeignVO(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getEnrichedResourcesForFacility", func(map[string]any) (int, any) {
		return http.StatusOK, []map[string]any{
			enriched(Resource{ID: 20, VoID: 7}, "res:communities:bio:role:member"),
		}
	})

	_, err := client.ResourceByCapability(context.Background(), 1, 2, "res:communities:bio:role:member")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResourceByCapabilityRejectsMultipleMatches(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("resourcesManager", "getEnrichedResourcesForFacility", func(map[string]any) (int, any) {
		return http.StatusOK, []map[string]any{
			enriched(Resource{ID: 20, VoID: 1}, "res:communities:bio:role:member"),
			enriched(Resource{ID: 21, VoID: 1}, "res:communities:bio:role:member"),
		}
	})

	_, err := client.ResourceByCapability(context.Background(), 1, 2, "res:communities:bio:role:member")
	require.ErrorIs(t, err, ErrAmbiguous)
}

func TestUserByAttribute(t *testing.T) {
	srv, client := newRPCServer(t)
	users := []DirectoryUser{}
	srv.on("usersManager", "getUsersByAttributeValue", func(map[string]any) (int, any) {
		return http.StatusOK, users
	})

	_, err := client.UserByAttribute(context.Background(), "attr", "abc")
	require.ErrorIs(t, err, ErrNotFound)

	users = []DirectoryUser{{ID: 5}}
	u, err := client.UserByAttribute(context.Background(), "attr", "abc")
	require.NoError(t, err)
	require.Equal(t, int64(5), u.ID)

	users = []DirectoryUser{{ID: 5}, {ID: 6}}
	_, err = client.UserByAttribute(context.Background(), "attr", "abc")
	require.ErrorIs(t, err, ErrAmbiguous)
}

func TestAddUserToGroupResolvesMembership(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("membersManager", "getMemberByUser", func(payload map[string]any) (int, any) {
		require.EqualValues(t, 1, payload["vo"])
		require.EqualValues(t, 5, payload["user"])
		return http.StatusOK, member{ID: 50}
	})
	srv.on("groupsManager", "addMember", func(payload map[string]any) (int, any) {
		require.EqualValues(t, 10, payload["group"])
		require.EqualValues(t, 50, payload["member"])
		return http.StatusOK, nil
	})

	require.NoError(t, client.AddUserToGroup(context.Background(), 1, 5, 10))
}

func TestCallMapsHTTPNotFound(t *testing.T) {
	_, client := newRPCServer(t)

	// No handler registered, the server answers 404.
	_, err := client.ServiceID(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSendInvitation(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.on("invitationsManager", "inviteToGroup", func(payload map[string]any) (int, any) {
		require.Equal(t, "jane@example.org", payload["receiverEmail"])
		require.Equal(t, "Jane Roe", payload["receiverName"])
		require.Equal(t, "en", payload["language"])
		return http.StatusOK, InvitationResponse{ID: 77}
	})

	resp, err := client.SendInvitation(context.Background(), InvitationRequest{
		VoID:       1,
		GroupID:    10,
		Email:      "jane@example.org",
		FullName:   "Jane Roe",
		Language:   "en",
		Expiration: "2026-09-07",
	})
	require.NoError(t, err)
	require.Equal(t, int64(77), resp.ID)
}
