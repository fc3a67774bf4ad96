// Package perun talks to the Perun directory service. Perun is not
// RESTful: the API is manager-oriented RPC over POST and none of the
// write operations are idempotent, so every provisioning primitive
// here is a lookup-then-create with follow-up verification.
package perun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates the looked-up directory object does not exist.
	// Existence checks treat it as "absent", everything else must not.
	ErrNotFound = errors.New("perun: object does not exist")
	// ErrAmbiguous indicates a lookup matched more than one object where
	// at most one is possible. That is a directory consistency problem
	// needing a human, never something to guess around.
	ErrAmbiguous = errors.New("perun: more than one object matched")
)

// Client is a thin wrapper over the Perun RPC API. All ids are
// internal Perun ids, not external identifiers.
type Client struct {
	baseURL  string
	username string
	password string
	hc       *http.Client
	logger   *slog.Logger

	serviceOnce sync.Once
	serviceID   int64
	serviceErr  error
}

// NewClient builds a directory client authenticated as the managing
// service principal.
func NewClient(baseURL, username, password string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		hc:       &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// Group is a Perun group.
type Group struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
	VoID      int64  `json:"voId"`
}

// Resource is a Perun resource within a facility.
type Resource struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	VoID       int64  `json:"voId"`
	FacilityID int64  `json:"facilityId"`
}

// DirectoryUser is a Perun user record.
type DirectoryUser struct {
	ID int64 `json:"id"`
}

type member struct {
	ID int64 `json:"id"`
}

type rpcError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, manager, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("perun %s.%s: encode payload: %w", manager, method, err)
	}

	url := fmt.Sprintf("%s/krb/rpc/json/%s/%s", c.baseURL, manager, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("perun %s.%s: build request: %w", manager, method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	c.logger.Debug("perun call", slog.String("manager", manager), slog.String("method", method))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("perun %s.%s: %w", manager, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("perun %s.%s: read response: %w", manager, method, err)
	}

	c.logger.Debug("perun response",
		slog.String("manager", manager),
		slog.String("method", method),
		slog.Int("status", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("perun %s.%s: %w", manager, method, ErrNotFound)
	}
	if resp.StatusCode == http.StatusBadRequest {
		var perr rpcError
		if json.Unmarshal(data, &perr) == nil && perr.Name == "ResourceNotExistsException" {
			return fmt.Errorf("perun %s.%s: %w", manager, method, ErrNotFound)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("perun %s.%s: status %d: %s", manager, method, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("perun %s.%s: decode response: %w", manager, method, err)
		}
	}
	return nil
}

// ServiceID resolves and caches the Perun id of the authenticated
// service principal.
func (c *Client) ServiceID(ctx context.Context) (int64, error) {
	c.serviceOnce.Do(func() {
		var u DirectoryUser
		c.serviceErr = c.call(ctx, "authzResolver", "getLoggedUser", map[string]any{}, &u)
		c.serviceID = u.ID
	})
	return c.serviceID, c.serviceErr
}

// GroupByName finds a group by short name among the direct subgroups
// of the parent. Returns ErrNotFound if no subgroup matches.
func (c *Client) GroupByName(ctx context.Context, name string, parentGroupID int64) (Group, error) {
	var groups []Group
	err := c.call(ctx, "groupsManager", "getAllSubGroups", map[string]any{"group": parentGroupID}, &groups)
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.ShortName == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("group %q under %d: %w", name, parentGroupID, ErrNotFound)
}

// EnsureGroup looks the group up by name under the parent and creates
// it only when absent. Independently of creation it verifies that the
// service principal holds admin rights on the group and re-grants them
// if missing, since admin rights can be revoked without the group
// going away. Returns the group and whether it was created.
func (c *Client) EnsureGroup(ctx context.Context, name, description string, parentGroupID int64) (Group, bool, error) {
	created := false
	group, err := c.GroupByName(ctx, name, parentGroupID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.logger.Info("creating group", slog.String("name", name), slog.Int64("parent", parentGroupID))
		if err := c.call(ctx, "groupsManager", "createGroup", map[string]any{
			"name":        name,
			"description": description,
			"parentGroup": parentGroupID,
		}, &group); err != nil {
			return Group{}, false, err
		}
		created = true
		// New groups inherit the registration form and notification
		// mails of the parent.
		if err := c.call(ctx, "registrarManager", "copyForm", map[string]any{
			"fromGroup":  parentGroupID,
			"toGroup":    group.ID,
			"idempotent": true,
		}, nil); err != nil {
			return Group{}, false, err
		}
		if err := c.call(ctx, "registrarManager", "copyMails", map[string]any{
			"fromGroup": parentGroupID,
			"toGroup":   group.ID,
		}, nil); err != nil {
			return Group{}, false, err
		}
	case err != nil:
		return Group{}, false, err
	}

	if err := c.ensureGroupAdmin(ctx, group.ID); err != nil {
		return Group{}, false, err
	}
	return group, created, nil
}

func (c *Client) ensureGroupAdmin(ctx context.Context, groupID int64) error {
	serviceID, err := c.ServiceID(ctx)
	if err != nil {
		return err
	}
	var admins []DirectoryUser
	if err := c.call(ctx, "groupsManager", "getAdmins", map[string]any{
		"group":            groupID,
		"onlyDirectAdmins": 0,
	}, &admins); err != nil {
		return err
	}
	for _, a := range admins {
		if a.ID == serviceID {
			return nil
		}
	}
	c.logger.Info("granting group admin", slog.Int64("group", groupID), slog.Int64("service", serviceID))
	return c.call(ctx, "groupsManager", "addAdmin", map[string]any{
		"group": groupID,
		"user":  serviceID,
	}, nil)
}

// ResourceByName finds a resource scoped to (vo, facility, name).
func (c *Client) ResourceByName(ctx context.Context, voID, facilityID int64, name string) (Resource, error) {
	var res Resource
	err := c.call(ctx, "resourcesManager", "getResourceByName", map[string]any{
		"vo":       voID,
		"facility": facilityID,
		"name":     name,
	}, &res)
	if err != nil {
		return Resource{}, err
	}
	return res, nil
}

// EnsureResource looks the resource up by name in (vo, facility) and
// creates it only when absent.
func (c *Client) EnsureResource(ctx context.Context, voID, facilityID int64, name, description string) (Resource, bool, error) {
	res, err := c.ResourceByName(ctx, voID, facilityID, name)
	if err == nil {
		return res, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Resource{}, false, err
	}
	c.logger.Info("creating resource",
		slog.String("name", name), slog.Int64("vo", voID), slog.Int64("facility", facilityID))
	if err := c.call(ctx, "resourcesManager", "createResource", map[string]any{
		"vo":          voID,
		"facility":    facilityID,
		"name":        name,
		"description": description,
	}, &res); err != nil {
		return Resource{}, false, err
	}
	return res, true, nil
}

// AssignGroupToResource assigns the group to the resource unless it
// already is assigned.
func (c *Client) AssignGroupToResource(ctx context.Context, resourceID, groupID int64) error {
	var groups []Group
	if err := c.call(ctx, "resourcesManager", "getAssignedGroups", map[string]any{
		"resource": resourceID,
	}, &groups); err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == groupID {
			return nil
		}
	}
	return c.call(ctx, "resourcesManager", "assignGroupToResource", map[string]any{
		"resource": resourceID,
		"group":    groupID,
	}, nil)
}

// EnsureCapabilities unions the desired capability strings into the
// resource's capability attribute. The attribute is written back only
// when the union differs from the stored value; unrelated existing
// values are never removed. The directory offers no atomic
// read-modify-write, hence the write-if-changed shape.
func (c *Client) EnsureCapabilities(ctx context.Context, resourceID, attributeID int64, capabilities []string) error {
	var attr map[string]any
	if err := c.call(ctx, "attributesManager", "getAttribute", map[string]any{
		"resource":    resourceID,
		"attributeId": attributeID,
	}, &attr); err != nil {
		return err
	}

	current := map[string]struct{}{}
	if raw, ok := attr["value"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				current[s] = struct{}{}
			}
		}
	}

	missing := false
	for _, capability := range capabilities {
		if _, ok := current[capability]; !ok {
			missing = true
			current[capability] = struct{}{}
		}
	}
	if !missing {
		return nil
	}

	union := make([]string, 0, len(current))
	for v := range current {
		union = append(union, v)
	}
	attr["value"] = union

	c.logger.Info("setting capabilities",
		slog.Int64("resource", resourceID), slog.Any("capabilities", capabilities))
	return c.call(ctx, "attributesManager", "setAttribute", map[string]any{
		"resource":  resourceID,
		"attribute": attr,
	}, nil)
}

// AttachService assigns the export service to the resource unless it
// already is attached. Without it the resource never shows up in the
// directory dump.
func (c *Client) AttachService(ctx context.Context, resourceID, serviceID int64) error {
	var services []struct {
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, "resourcesManager", "getAssignedServices", map[string]any{
		"resource": resourceID,
	}, &services); err != nil {
		return err
	}
	for _, s := range services {
		if s.ID == serviceID {
			return nil
		}
	}
	return c.call(ctx, "resourcesManager", "assignService", map[string]any{
		"resource": resourceID,
		"service":  serviceID,
	}, nil)
}

type enrichedResource struct {
	Resource   Resource `json:"resource"`
	Attributes []struct {
		Namespace    string   `json:"namespace"`
		FriendlyName string   `json:"friendlyName"`
		Value        []string `json:"value"`
	} `json:"attributes"`
}

// ResourceByCapability finds the resource carrying the capability
// within (vo, facility). At most one resource may match; more than one
// is a consistency error surfaced as ErrAmbiguous.
func (c *Client) ResourceByCapability(ctx context.Context, voID, facilityID int64, capability string) (Resource, error) {
	var resources []enrichedResource
	if err := c.call(ctx, "resourcesManager", "getEnrichedResourcesForFacility", map[string]any{
		"facility": facilityID,
	}, &resources); err != nil {
		return Resource{}, err
	}

	var matches []Resource
	for _, er := range resources {
		if er.Resource.VoID != voID {
			continue
		}
		for _, attr := range er.Attributes {
			if attr.Namespace != "urn:perun:resource:attribute-def:def" || attr.FriendlyName != "capabilities" {
				continue
			}
			for _, v := range attr.Value {
				if v == capability {
					matches = append(matches, er.Resource)
				}
			}
		}
	}

	switch len(matches) {
	case 0:
		return Resource{}, fmt.Errorf("resource with capability %q: %w", capability, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return Resource{}, fmt.Errorf("capability %q matches %d resources: %w", capability, len(matches), ErrAmbiguous)
	}
}

// ResourceGroups lists the groups assigned to a resource.
func (c *Client) ResourceGroups(ctx context.Context, resourceID int64) ([]Group, error) {
	var groups []Group
	if err := c.call(ctx, "resourcesManager", "getAssignedGroups", map[string]any{
		"resource": resourceID,
	}, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// UserByAttribute finds the directory user carrying the attribute
// value. More than one match is ErrAmbiguous.
func (c *Client) UserByAttribute(ctx context.Context, attributeName, attributeValue string) (DirectoryUser, error) {
	var users []DirectoryUser
	if err := c.call(ctx, "usersManager", "getUsersByAttributeValue", map[string]any{
		"attributeName":  attributeName,
		"attributeValue": attributeValue,
	}, &users); err != nil {
		return DirectoryUser{}, err
	}
	switch len(users) {
	case 0:
		return DirectoryUser{}, fmt.Errorf("user with %s=%s: %w", attributeName, attributeValue, ErrNotFound)
	case 1:
		return users[0], nil
	default:
		return DirectoryUser{}, fmt.Errorf("%s=%s matches %d users: %w", attributeName, attributeValue, len(users), ErrAmbiguous)
	}
}

func (c *Client) memberByUser(ctx context.Context, voID, userID int64) (member, error) {
	var m member
	err := c.call(ctx, "membersManager", "getMemberByUser", map[string]any{
		"vo":   voID,
		"user": userID,
	}, &m)
	return m, err
}

// AddUserToGroup adds a directory user to a group via their VO
// membership.
func (c *Client) AddUserToGroup(ctx context.Context, voID, userID, groupID int64) error {
	m, err := c.memberByUser(ctx, voID, userID)
	if err != nil {
		return err
	}
	return c.call(ctx, "groupsManager", "addMember", map[string]any{
		"group":  groupID,
		"member": m.ID,
	}, nil)
}

// RemoveUserFromGroup removes a directory user from a group via their
// VO membership.
func (c *Client) RemoveUserFromGroup(ctx context.Context, voID, userID, groupID int64) error {
	m, err := c.memberByUser(ctx, voID, userID)
	if err != nil {
		return err
	}
	return c.call(ctx, "groupsManager", "removeMember", map[string]any{
		"group":  groupID,
		"member": m.ID,
	}, nil)
}

// InvitationRequest describes a directory invitation to a group.
type InvitationRequest struct {
	VoID        int64
	GroupID     int64
	Email       string
	FullName    string
	Language    string
	Expiration  string
	RedirectURL string
}

// InvitationResponse carries the directory-side id of a sent
// invitation.
type InvitationResponse struct {
	ID int64 `json:"id"`
}

// SendInvitation invites a user by email into a directory group.
func (c *Client) SendInvitation(ctx context.Context, inv InvitationRequest) (InvitationResponse, error) {
	var resp InvitationResponse
	err := c.call(ctx, "invitationsManager", "inviteToGroup", map[string]any{
		"vo":            inv.VoID,
		"group":         inv.GroupID,
		"receiverName":  inv.FullName,
		"receiverEmail": inv.Email,
		"language":      inv.Language,
		"expiration":    inv.Expiration,
		"redirectUrl":   inv.RedirectURL,
	}, &resp)
	return resp, err
}
