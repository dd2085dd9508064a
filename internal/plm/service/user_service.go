package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"go.uber.org/zap"
)

// UserService 用户与角色管理服务
type UserService struct {
	userRepo *repository.UserRepository
	auth     *AuthService
	audit    *AuditService
	logger   *zap.Logger
}

// NewUserService 创建用户服务
func NewUserService(userRepo *repository.UserRepository, auth *AuthService, audit *AuditService, logger *zap.Logger) *UserService {
	return &UserService{
		userRepo: userRepo,
		auth:     auth,
		audit:    audit,
		logger:   logger,
	}
}

// CreateUserInput 创建用户请求
type CreateUserInput struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
	RoleID   string `json:"role_id"`
}

// CreateUser 创建用户
func (s *UserService) CreateUser(ctx context.Context, input CreateUserInput, operatorID string) (*entity.User, error) {
	if _, err := s.userRepo.FindByUsername(ctx, input.Username); err == nil {
		return nil, fmt.Errorf("username %s already exists", input.Username)
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := &entity.User{
		ID:           newID(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: hash,
		IsActive:     true,
	}
	if input.RoleID != "" {
		if _, err := s.userRepo.FindRoleByID(ctx, input.RoleID); err != nil {
			return nil, err
		}
		user.RoleID = &input.RoleID
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.audit.Record(ctx, operatorID, "user.create", "user", user.ID, map[string]interface{}{
		"username": user.Username,
	})
	return s.userRepo.FindByID(ctx, user.ID)
}

// GetUser 查询用户详情
func (s *UserService) GetUser(ctx context.Context, id string) (*entity.User, error) {
	return s.userRepo.FindByID(ctx, id)
}

// ListUsers 用户列表
func (s *UserService) ListUsers(ctx context.Context) ([]entity.User, error) {
	return s.userRepo.List(ctx)
}

// UpdateUserInput 更新用户请求
type UpdateUserInput struct {
	Email    *string `json:"email"`
	RoleID   *string `json:"role_id"`
	IsActive *bool   `json:"is_active"`
}

// UpdateUser 更新用户
func (s *UserService) UpdateUser(ctx context.Context, id string, input UpdateUserInput, operatorID string) (*entity.User, error) {
	if _, err := s.userRepo.FindByID(ctx, id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if input.Email != nil {
		fields["email"] = *input.Email
	}
	if input.RoleID != nil {
		if *input.RoleID == "" {
			fields["role_id"] = nil
		} else {
			if _, err := s.userRepo.FindRoleByID(ctx, *input.RoleID); err != nil {
				return nil, err
			}
			fields["role_id"] = *input.RoleID
		}
	}
	if input.IsActive != nil {
		fields["is_active"] = *input.IsActive
	}
	if len(fields) > 0 {
		if err := s.userRepo.UpdateFields(ctx, id, fields); err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}

	s.audit.Record(ctx, operatorID, "user.update", "user", id, nil)
	return s.userRepo.FindByID(ctx, id)
}

// DeleteUser 删除用户，零件/文档上的引用置空
func (s *UserService) DeleteUser(ctx context.Context, id, operatorID string) error {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.userRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.audit.Record(ctx, operatorID, "user.delete", "user", id, map[string]interface{}{
		"username": user.Username,
	})
	return nil
}

// ResetPassword 管理员重置密码，用户下次登录须改密
func (s *UserService) ResetPassword(ctx context.Context, id, newPassword, operatorID string) error {
	if _, err := s.userRepo.FindByID(ctx, id); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdateFields(ctx, id, map[string]interface{}{
		"password_hash":        hash,
		"must_change_password": true,
	}); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}

	s.audit.Record(ctx, operatorID, "user.reset_password", "user", id, nil)
	return nil
}

// CreateRoleInput 创建/更新角色请求
type CreateRoleInput struct {
	Name        string `json:"name" binding:"required"`
	CanRelease  bool   `json:"can_release"`
	CanView     bool   `json:"can_view"`
	CanWrite    bool   `json:"can_write"`
	CanUpload   bool   `json:"can_upload"`
	CanCheckout bool   `json:"can_checkout"`
	CanAdmin    bool   `json:"can_admin"`
}

// CreateRole 创建角色
func (s *UserService) CreateRole(ctx context.Context, input CreateRoleInput, operatorID string) (*entity.Role, error) {
	if _, err := s.userRepo.FindRoleByName(ctx, input.Name); err == nil {
		return nil, fmt.Errorf("role %s already exists", input.Name)
	}

	role := &entity.Role{
		ID:          newID(),
		Name:        input.Name,
		CanRelease:  input.CanRelease,
		CanView:     input.CanView,
		CanWrite:    input.CanWrite,
		CanUpload:   input.CanUpload,
		CanCheckout: input.CanCheckout,
		CanAdmin:    input.CanAdmin,
	}
	if err := s.userRepo.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}

	s.audit.Record(ctx, operatorID, "role.create", "role", role.ID, map[string]interface{}{
		"name": role.Name,
	})
	return role, nil
}

// ListRoles 角色列表
func (s *UserService) ListRoles(ctx context.Context) ([]entity.Role, error) {
	return s.userRepo.ListRoles(ctx)
}

// UpdateRole 更新角色能力开关并失效缓存
func (s *UserService) UpdateRole(ctx context.Context, id string, input CreateRoleInput, operatorID string) (*entity.Role, error) {
	role, err := s.userRepo.FindRoleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	role.Name = input.Name
	role.CanRelease = input.CanRelease
	role.CanView = input.CanView
	role.CanWrite = input.CanWrite
	role.CanUpload = input.CanUpload
	role.CanCheckout = input.CanCheckout
	role.CanAdmin = input.CanAdmin
	if err := s.userRepo.UpdateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("update role: %w", err)
	}

	s.auth.InvalidateAbilityCache(ctx, id)

	s.audit.Record(ctx, operatorID, "role.update", "role", id, nil)
	return role, nil
}

// DeleteRole 删除角色，仍有用户引用时拒绝
func (s *UserService) DeleteRole(ctx context.Context, id, operatorID string) error {
	if _, err := s.userRepo.FindRoleByID(ctx, id); err != nil {
		return err
	}

	count, err := s.userRepo.CountUsersByRole(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("role is still assigned to %d user(s)", count)
	}

	if err := s.userRepo.DeleteRole(ctx, id); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	s.auth.InvalidateAbilityCache(ctx, id)

	s.audit.Record(ctx, operatorID, "role.delete", "role", id, nil)
	return nil
}

// EnsureSeedData 初始化内置角色与管理员账号，幂等
func (s *UserService) EnsureSeedData(ctx context.Context, adminPassword string) error {
	seedRoles := []entity.Role{
		{Name: "Admin", CanRelease: true, CanView: true, CanWrite: true, CanUpload: true, CanCheckout: true, CanAdmin: true},
		{Name: "Engineer", CanRelease: true, CanView: true, CanWrite: true, CanUpload: true, CanCheckout: true, CanAdmin: false},
		{Name: "Viewer", CanRelease: false, CanView: true, CanWrite: false, CanUpload: false, CanCheckout: false, CanAdmin: false},
	}

	var adminRole *entity.Role
	for i := range seedRoles {
		existing, err := s.userRepo.FindRoleByName(ctx, seedRoles[i].Name)
		if err == nil {
			if seedRoles[i].Name == "Admin" {
				adminRole = existing
			}
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		seedRoles[i].ID = newID()
		if err := s.userRepo.CreateRole(ctx, &seedRoles[i]); err != nil {
			return fmt.Errorf("seed role %s: %w", seedRoles[i].Name, err)
		}
		if seedRoles[i].Name == "Admin" {
			adminRole = &seedRoles[i]
		}
	}

	if _, err := s.userRepo.FindByUsername(ctx, "admin"); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	hash, err := HashPassword(adminPassword)
	if err != nil {
		return err
	}
	admin := &entity.User{
		ID:                 newID(),
		Username:           "admin",
		PasswordHash:       hash,
		IsActive:           true,
		MustChangePassword: true,
	}
	if adminRole != nil {
		admin.RoleID = &adminRole.ID
	}
	if err := s.userRepo.Create(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}

	s.logger.Info("Seeded default admin user", zap.String("username", "admin"))
	return nil
}
