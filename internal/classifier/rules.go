package classifier

import "github.com/oriys/triage/internal/domain"

// DefaultRules 返回内置规则表。同层规则的声明顺序即匹配顺序。
func DefaultRules() []Rule {
	return []Rule{
		// ========== 错误码 ==========
		{
			ID: "code.iam", Tier: TierErrorCode, Target: domain.CategoryIAM, Confidence: 0.95,
			Match: CodeIn("ERR401", "ERR403", "HTTP401", "HTTP403", "AccessDenied", "AccessDeniedException",
				"UnauthorizedOperation", "NotAuthorized", "InvalidClientTokenId", "ExpiredToken", "SignatureDoesNotMatch"),
		},
		{
			ID: "code.throttling", Tier: TierErrorCode, Target: domain.CategoryThrottling, Confidence: 0.95,
			Match: CodeIn("ERR429", "HTTP429", "ThrottlingException", "Throttling", "TooManyRequestsException",
				"ProvisionedThroughputExceededException", "RequestLimitExceeded", "SlowDown"),
		},
		{
			ID: "code.timeout", Tier: TierErrorCode, Target: domain.CategoryTimeout, Confidence: 0.93,
			Match: CodeIn("ERR504", "HTTP504", "ERR408", "HTTP408", "RequestTimeout", "RequestTimeoutException",
				"GatewayTimeout", "TimeoutError", "ETIMEDOUT"),
		},
		{
			ID: "code.quota", Tier: TierErrorCode, Target: domain.CategoryQuota, Confidence: 0.93,
			Match: CodeIn("ServiceQuotaExceededException", "LimitExceededException", "QuotaExceeded",
				"TooManyConnections", "VcpuLimitExceeded"),
		},
		{
			ID: "code.config", Tier: TierErrorCode, Target: domain.CategoryConfig, Confidence: 0.92,
			Match: CodeIn("ValidationException", "ValidationError", "InvalidParameterValue", "InvalidParameterException",
				"ConfigurationError", "NoSuchBucket", "NoSuchKey", "ResourceNotFoundException"),
		},
		{
			ID: "code.scaling", Tier: TierErrorCode, Target: domain.CategoryScaling, Confidence: 0.91,
			Match: CodeIn("ERR503", "HTTP503", "InsufficientInstanceCapacity", "OOMKilled", "OutOfMemoryError",
				"ServiceUnavailable", "ServiceUnavailableException"),
		},
		{
			ID: "code.cookbook", Tier: TierErrorCode, Target: domain.CategoryCookbook, Confidence: 0.91,
			Match: CodeIn("CrashLoopBackOff", "ImagePullBackOff", "ErrImagePull", "CannotPullContainerError",
				"ConditionalCheckFailedException"),
		},

		// ========== 正文关键字 ==========
		{
			ID: "keyword.iam", Tier: TierKeyword, Target: domain.CategoryIAM, Confidence: 0.85, ServiceBias: "iam",
			Match: MessageMatches(`(?i)access ?denied|not authori[sz]ed|unauthori[sz]ed|forbidden|permission denied|` +
				`invalid (?:security )?token|expired ?token|signature ?does ?not ?match|AssumeRole`),
		},
		{
			ID: "keyword.throttling", Tier: TierKeyword, Target: domain.CategoryThrottling, Confidence: 0.85, ServiceBias: "dynamodb",
			Match: MessageMatches(`(?i)throttl|rate exceeded|too many requests|\bslow ?down\b|request limit exceeded|provisioned throughput`),
		},
		{
			ID: "keyword.quota", Tier: TierKeyword, Target: domain.CategoryQuota, Confidence: 0.82, ServiceBias: "rds",
			Match: MessageMatches(`(?i)quota|limit exceeded|service limit|too many connections|max(?:imum)? number of`),
		},
		{
			ID: "keyword.timeout", Tier: TierKeyword, Target: domain.CategoryTimeout, Confidence: 0.80, ServiceBias: "lambda",
			Match: MessageMatches(`(?i)\btimed? ?out\b|deadline exceeded|ETIMEDOUT|gateway timeout|lock wait timeout`),
		},
		{
			ID: "keyword.scaling", Tier: TierKeyword, Target: domain.CategoryScaling, Confidence: 0.78, ServiceBias: "eks",
			Match: MessageMatches(`(?i)out ?of ?memory|OOMKilled|memory ?error|insufficient (?:capacity|cpu|memory)|` +
				`autoscal|service unavailable|unschedulable|\b503\b`),
		},
		{
			ID: "keyword.config", Tier: TierKeyword, Target: domain.CategoryConfig, Confidence: 0.76, ServiceBias: "s3",
			Match: MessageMatches(`(?i)configuration error|misconfigur|invalid (?:parameter|configuration|value)|` +
				`no ?such ?bucket|missing (?:env|environment|variable|required)|validation (?:error|failed)`),
		},
		{
			ID: "keyword.cookbook", Tier: TierKeyword, Target: domain.CategoryCookbook, Confidence: 0.72, ServiceBias: "eks",
			Match: MessageMatches(`(?i)crash ?loop|back-off restarting|image ?pull|CannotPullContainerError|` +
				`unhandled exception|init(?:ialization)? error|deadlock`),
		},

		// ========== 服务名 ==========
		{ID: "service.iam", Tier: TierService, Target: domain.CategoryIAM, Confidence: 0.60, Match: ServiceIs("iam", "sts")},
		{ID: "service.lambda", Tier: TierService, Target: domain.CategoryTimeout, Confidence: 0.55, Match: ServiceIs("lambda")},
		{ID: "service.dynamodb", Tier: TierService, Target: domain.CategoryThrottling, Confidence: 0.50, Match: ServiceIs("dynamodb")},
		{ID: "service.apigw", Tier: TierService, Target: domain.CategoryTimeout, Confidence: 0.50, Match: ServiceIs("apigw", "alb")},
		{ID: "service.containers", Tier: TierService, Target: domain.CategoryScaling, Confidence: 0.45, Match: ServiceIs("eks", "ecs")},
		{ID: "service.s3", Tier: TierService, Target: domain.CategoryConfig, Confidence: 0.45, Match: ServiceIs("s3")},
		{ID: "service.rds", Tier: TierService, Target: domain.CategoryQuota, Confidence: 0.40, Match: ServiceIs("rds")},
	}
}
