package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	userdomain "github.com/smallbiznis/factora/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads the capability model and seeds the role policies. With a
// nil db the policies live in memory only.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if db != nil {
		adapter, err := gormadapter.NewAdapterByDB(db)
		if err != nil {
			return nil, err
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
		if err != nil {
			return nil, err
		}
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
	}

	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject Subject, object string, action string, resource Resource) error {
	userID := strings.TrimSpace(subject.UserID)
	if userID == "" {
		return ErrInvalidActor
	}
	role, ok := userdomain.ParseRole(string(subject.Role))
	if !ok {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(roleSubject(role), object, action, userID, strings.TrimSpace(resource.OwnerID))
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, userID, role, object, action, resource)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) auditDenied(ctx context.Context, userID string, role userdomain.Role, object string, action string, resource Resource) {
	s.log.Info("authorization denied",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("object", object),
		zap.String("action", action),
	)
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	metadata := map[string]any{
		"object": object,
		"action": action,
		"role":   string(role),
	}
	if resource.OwnerID != "" {
		metadata["owner_id"] = resource.OwnerID
	}
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeUser), &userID, auditdomain.ActionAuthorizationDenied, "authorization", &targetID, metadata)
}

func roleSubject(role userdomain.Role) string {
	return fmt.Sprintf("role:%s", strings.ToLower(string(role)))
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	smb := roleSubject(userdomain.RoleSMB)
	investor := roleSubject(userdomain.RoleInvestor)
	admin := roleSubject(userdomain.RoleAdmin)
	verifier := roleSubject(userdomain.RoleVerifier)

	policies := [][]string{
		// SMB: issue and follow its own invoices
		{smb, ObjectInvoice, ActionInvoiceCreate, ScopeAny},
		{smb, ObjectInvoice, ActionInvoiceSubmit, ScopeOwn},
		{smb, ObjectInvoice, ActionInvoiceView, ScopeOwn},
		{smb, ObjectEscrow, ActionEscrowView, ScopeOwn},

		// Investor: browse listings, fund them, see its own positions
		{investor, ObjectInvoice, ActionInvoiceView, ScopeAny},
		{investor, ObjectInvestment, ActionInvestmentCreate, ScopeAny},
		{investor, ObjectInvestment, ActionInvestmentView, ScopeOwn},
		{investor, ObjectEscrow, ActionEscrowView, ScopeAny},

		// Verifier: confirm off-chain payment
		{verifier, ObjectPayment, ActionPaymentConfirm, ScopeAny},
		{verifier, ObjectInvoice, ActionInvoiceView, ScopeAny},
		{verifier, ObjectEscrow, ActionEscrowView, ScopeAny},

		// Admin
		{admin, "*", "*", ScopeAny},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
