package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/middleware"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// abilityCacheTTL 角色能力缓存时长
const abilityCacheTTL = 5 * time.Minute

// ErrInvalidCredentials 用户名或密码错误
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrUserDisabled 用户已停用
var ErrUserDisabled = errors.New("user is disabled")

// AuthService 认证服务
type AuthService struct {
	userRepo *repository.UserRepository
	rdb      *redis.Client
	cfg      *config.Config
	logger   *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(userRepo *repository.UserRepository, rdb *redis.Client, cfg *config.Config, logger *zap.Logger) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		rdb:      rdb,
		cfg:      cfg,
		logger:   logger,
	}
}

// LoginResult 登录结果
type LoginResult struct {
	User               *entity.User     `json:"user"`
	AccessToken        string           `json:"access_token"`
	ExpiresIn          int64            `json:"expires_in"`
	Abilities          entity.Abilities `json:"abilities"`
	MustChangePassword bool             `json:"must_change_password"`
}

// Login 用户名密码登录
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	abilities, err := s.GetAbilities(ctx, user)
	if err != nil {
		return nil, err
	}

	token, expiresIn, err := s.GenerateToken(user, abilities)
	if err != nil {
		return nil, err
	}

	if err := s.userRepo.TouchLastActive(ctx, user.ID, time.Now()); err != nil {
		s.logger.Warn("Failed to touch last active", zap.String("user_id", user.ID), zap.Error(err))
	}

	return &LoginResult{
		User:               user,
		AccessToken:        token,
		ExpiresIn:          expiresIn,
		Abilities:          abilities,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// GenerateToken 签发携带能力开关的访问令牌
func (s *AuthService) GenerateToken(user *entity.User, abilities entity.Abilities) (string, int64, error) {
	expire := s.cfg.JWT.AccessTokenExpire
	now := time.Now()

	claims := &middleware.JWTClaims{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		CanRelease:  abilities.CanRelease,
		CanView:     abilities.CanView,
		CanWrite:    abilities.CanWrite,
		CanUpload:   abilities.CanUpload,
		CanCheckout: abilities.CanCheckout,
		CanAdmin:    abilities.CanAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.JWT.Issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expire)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int64(expire.Seconds()), nil
}

// GetAbilities 获取用户能力快照，按角色做Redis短缓存
func (s *AuthService) GetAbilities(ctx context.Context, user *entity.User) (entity.Abilities, error) {
	if user.RoleID == nil {
		return entity.Abilities{}, nil
	}

	cacheKey := "plm:abilities:role:" + *user.RoleID
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
			var abilities entity.Abilities
			if err := json.Unmarshal(cached, &abilities); err == nil {
				return abilities, nil
			}
		}
	}

	role, err := s.userRepo.FindRoleByID(ctx, *user.RoleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return entity.Abilities{}, nil
		}
		return entity.Abilities{}, err
	}
	abilities := entity.AbilitiesOf(role)

	if s.rdb != nil {
		if data, err := json.Marshal(abilities); err == nil {
			if err := s.rdb.Set(ctx, cacheKey, data, abilityCacheTTL).Err(); err != nil {
				s.logger.Warn("Failed to cache abilities", zap.String("role_id", *user.RoleID), zap.Error(err))
			}
		}
	}
	return abilities, nil
}

// InvalidateAbilityCache 角色变更后失效缓存
func (s *AuthService) InvalidateAbilityCache(ctx context.Context, roleID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, "plm:abilities:role:"+roleID).Err(); err != nil {
		s.logger.Warn("Failed to invalidate ability cache", zap.String("role_id", roleID), zap.Error(err))
	}
}

// ChangePassword 用户修改自己的密码
func (s *AuthService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.userRepo.UpdateFields(ctx, userID, map[string]interface{}{
		"password_hash":        hash,
		"must_change_password": false,
	})
}

// HashPassword bcrypt 哈希密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
