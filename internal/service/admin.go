package service

import (
	"context"

	"accountserver/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// AdminService 对应 /admin 下的用户管理与文件授权接口。
type AdminService struct {
	log    *log.Helper
	users  *biz.UserUsecase
	tokens *biz.APITokenUsecase
}

func NewAdminService(users *biz.UserUsecase, tokens *biz.APITokenUsecase, logger log.Logger) *AdminService {
	return &AdminService{
		log:    log.NewHelper(log.With(logger, "module", "service.admin")),
		users:  users,
		tokens: tokens,
	}
}

// ======================
// users
// ======================

type OwnerCreatedReply struct {
	OwnerCreated bool `json:"ownerCreated"`
}

func (s *AdminService) OwnerCreated(ctx context.Context, _ *EmptyRequest) (*OwnerCreatedReply, error) {
	n, err := s.users.GetOwnerCount(ctx)
	if err != nil {
		return nil, err
	}
	return &OwnerCreatedReply{OwnerCreated: n > 0}, nil
}

type UserReply struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Enabled     bool   `json:"enabled"`
	Owner       bool   `json:"owner"`
	Role        string `json:"role"`
}

func toUserReply(u *biz.User) *UserReply {
	return &UserReply{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Enabled:     u.Enabled,
		Owner:       u.Owner,
		Role:        string(u.Role),
	}
}

func (s *AdminService) ListUsers(ctx context.Context, _ *EmptyRequest) ([]*UserReply, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	list, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*UserReply, 0, len(list))
	for _, u := range list {
		out = append(out, toUserReply(u))
	}
	return out, nil
}

type UserRequest struct {
	TokenRequest
	ID          string `json:"id,omitempty"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Enabled     *bool  `json:"enabled"`
}

func (r *UserRequest) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type UserIDReply struct {
	ID string `json:"id"`
}

func (s *AdminService) CreateUser(ctx context.Context, req *UserRequest) (*UserIDReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	u, err := s.users.CreateUser(ctx, req.UserName, req.DisplayName, biz.Role(req.Role), req.enabled())
	if err != nil {
		return nil, err
	}
	return &UserIDReply{ID: u.ID}, nil
}

func (s *AdminService) UpdateUser(ctx context.Context, req *UserRequest) (*UserIDReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	u, err := s.users.UpdateUser(ctx, &biz.User{
		ID:          req.ID,
		UserName:    req.UserName,
		DisplayName: req.DisplayName,
		Role:        biz.Role(req.Role),
		Enabled:     req.enabled(),
	})
	if err != nil {
		return nil, err
	}
	return &UserIDReply{ID: u.ID}, nil
}

type DeleteUsersRequest struct {
	TokenRequest
	IDs []string `json:"ids"`
}

type DeletionReply struct {
	SomeDeletionsFailed bool `json:"someDeletionsFailed"`
}

func (s *AdminService) DeleteUsers(ctx context.Context, req *DeleteUsersRequest) (*DeletionReply, error) {
	if _, err := requireAdmin(ctx, s.users); err != nil {
		return nil, err
	}
	if _, err := s.users.DeleteUsers(ctx, req.IDs); err != nil {
		return nil, err
	}
	return &DeletionReply{SomeDeletionsFailed: false}, nil
}

// ======================
// access
// ======================

type FileRequest struct {
	TokenRequest
	FileID string `json:"fileId"`
}

// authorizeFile 文件 owner 或 ADMIN 才能管理授权。
func (s *AdminService) authorizeFile(ctx context.Context, fileID string) (*biz.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return nil, biz.ErrInvalidFileID
	}
	if p.IsAPIToken() {
		if err := s.authorizeTokenScope(ctx, p, fileID); err != nil {
			return nil, err
		}
	}
	if err := s.users.AuthorizeFileAdmin(ctx, fileID, p.UserID); err != nil {
		return nil, err
	}
	return p, nil
}

// authorizeTokenScope 有 scope 的 token 只能碰 scope 内的文件；
// 无 scope 的 token 退回到用户本身能访问的文件（含 ADMIN）。
func (s *AdminService) authorizeTokenScope(ctx context.Context, p *biz.Principal, fileID string) error {
	ok, err := s.tokens.HasAccessToBudget(ctx, p.TokenID, fileID, p.UserID)
	if err != nil {
		return err
	}
	if !ok && len(p.BudgetIDs) == 0 {
		if ok, err = s.users.CanAccessFile(ctx, fileID, p.UserID); err != nil {
			return err
		}
	}
	if !ok {
		s.log.WithContext(ctx).Warnf("api token denied file_id=%s token_id=%s", fileID, p.TokenID)
		return biz.ErrFileDenied
	}
	return nil
}

type UserAccessReply struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Owner       bool   `json:"owner"`
}

func (s *AdminService) GetAccess(ctx context.Context, req *FileRequest) ([]*UserAccessReply, error) {
	p, err := s.authorizeFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	list, err := s.users.GetUserAccess(ctx, req.FileID, p.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]*UserAccessReply, 0, len(list))
	for _, a := range list {
		out = append(out, &UserAccessReply{
			UserID:      a.UserID,
			UserName:    a.UserName,
			DisplayName: a.DisplayName,
			Owner:       a.Owner == a.UserID,
		})
	}
	return out, nil
}

type UserAccessEntryReply struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	HaveAccess  bool   `json:"haveAccess"`
	Owner       bool   `json:"owner"`
}

func (s *AdminService) GetAllAccess(ctx context.Context, req *FileRequest) ([]*UserAccessEntryReply, error) {
	if _, err := s.authorizeFile(ctx, req.FileID); err != nil {
		return nil, err
	}
	list, err := s.users.GetAllUserAccess(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	out := make([]*UserAccessEntryReply, 0, len(list))
	for _, e := range list {
		out = append(out, &UserAccessEntryReply{
			UserID:      e.UserID,
			UserName:    e.UserName,
			DisplayName: e.DisplayName,
			HaveAccess:  e.HaveAccess,
			Owner:       e.Owner,
		})
	}
	return out, nil
}

type AddAccessRequest struct {
	TokenRequest
	FileID string `json:"fileId"`
	UserID string `json:"userId"`
}

func (s *AdminService) AddAccess(ctx context.Context, req *AddAccessRequest) (*EmptyReply, error) {
	if _, err := s.authorizeFile(ctx, req.FileID); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, biz.ErrUserCantBeEmpty
	}
	if err := s.users.AddUserAccess(ctx, req.FileID, req.UserID); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}

type DeleteAccessRequest struct {
	TokenRequest
	FileID string   `json:"fileId"`
	IDs    []string `json:"ids"`
}

func (s *AdminService) DeleteAccess(ctx context.Context, req *DeleteAccessRequest) (*DeletionReply, error) {
	if _, err := s.authorizeFile(ctx, req.FileID); err != nil {
		return nil, err
	}
	if _, err := s.users.DeleteUserAccessByFileID(ctx, req.FileID, req.IDs); err != nil {
		return nil, err
	}
	return &DeletionReply{SomeDeletionsFailed: false}, nil
}

type TransferOwnershipRequest struct {
	TokenRequest
	FileID    string `json:"fileId"`
	NewUserID string `json:"newUserId"`
}

func (s *AdminService) TransferOwnership(ctx context.Context, req *TransferOwnershipRequest) (*EmptyReply, error) {
	if _, err := s.authorizeFile(ctx, req.FileID); err != nil {
		return nil, err
	}
	if err := s.users.TransferFileOwnership(ctx, req.FileID, req.NewUserID); err != nil {
		return nil, err
	}
	return &EmptyReply{}, nil
}
