package httpapi

import (
	"net/http"

	"checkin-core/internal/service"

	"go.uber.org/zap"
)

// Services HTTP 层依赖的全部业务服务
type Services struct {
	Auth           service.AuthService
	Plan           service.PlanService
	Checkin        service.CheckinService
	Rules          service.RuleService
	CommunityRules service.CommunityRuleService
	Community      service.CommunityService
	Supervision    service.SupervisionService
	Share          service.ShareService
}

// NewAPI 注册所有路由并套上访问日志
func NewAPI(svc Services, authn *Authenticator, clock service.Clock, settings service.Settings, logger *zap.Logger) http.Handler {
	router := NewRouter(authn, logger)
	router.RegisterAuthRoutes(NewAuthHandler(svc.Auth, logger))
	router.RegisterCheckinRoutes(NewCheckinHandler(svc.Plan, svc.Checkin, svc.Rules, logger))
	router.RegisterCommunityRuleRoutes(NewCommunityRuleHandler(svc.CommunityRules, logger))
	router.RegisterCommunityRoutes(NewCommunityHandler(svc.Community, logger))
	router.RegisterSupervisionRoutes(NewSupervisionHandler(svc.Supervision, clock, settings.Location, logger))
	router.RegisterShareRoutes(NewShareHandler(svc.Share, logger))
	return AccessLog(logger, router)
}
