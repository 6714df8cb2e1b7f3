package customers

import (
	"regexp"
	"strings"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/errors"
)

var (
	leadSources = []string{
		"美团", "抖音", "快手", "小红书", "转介绍", "杭州同馨", "握个手平台", "线索购买",
		"莲心", "美家", "天机鹿", "孕妈联盟", "高阁", "星星", "其他",
	}
	contractStatuses = []string{
		customer.StatusSigned, customer.StatusMatching, customer.StatusLost, "已退款", "退款中", customer.StatusPending,
	}
	serviceCategories = []string{
		"月嫂", "住家育儿嫂", "保洁", "住家保姆", "养宠", "小时工", "白班育儿", "白班保姆", "住家护老",
	}
	leadLevels = []string{"O类", "A类", "B类", "C类", "D类", "流失"}

	mobilePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)
)

const (
	minSalaryBudget = 1000
	maxSalaryBudget = 50000
)

// normalizeAttributes trims fields, applies the default contract status and
// validates enumerations.
func normalizeAttributes(a customer.Attributes) (customer.Attributes, error) {
	a.Name = strings.TrimSpace(a.Name)
	a.Phone = strings.TrimSpace(a.Phone)
	a.WechatID = strings.TrimSpace(a.WechatID)
	a.LeadSource = strings.TrimSpace(a.LeadSource)
	a.ServiceCategory = strings.TrimSpace(a.ServiceCategory)
	a.ContractStatus = strings.TrimSpace(a.ContractStatus)
	a.LeadLevel = strings.TrimSpace(a.LeadLevel)
	a.Address = strings.TrimSpace(a.Address)
	a.Remarks = strings.TrimSpace(a.Remarks)

	if a.Name == "" {
		return a, errors.Required("name")
	}
	if a.Phone != "" && !mobilePattern.MatchString(a.Phone) {
		return a, errors.InvalidFormat("phone", "mainland China mobile number")
	}
	if !oneOf(leadSources, a.LeadSource) {
		return a, errors.Validation("leadSource", "unknown lead source")
	}
	if a.ContractStatus == "" {
		a.ContractStatus = customer.StatusPending
	}
	if !oneOf(contractStatuses, a.ContractStatus) {
		return a, errors.Validation("contractStatus", "unknown contract status")
	}
	if a.ServiceCategory != "" && !oneOf(serviceCategories, a.ServiceCategory) {
		return a, errors.Validation("serviceCategory", "unknown service category")
	}
	if a.LeadLevel == "" {
		return a, errors.Required("leadLevel")
	}
	if !oneOf(leadLevels, a.LeadLevel) {
		return a, errors.Validation("leadLevel", "unknown lead level")
	}
	if a.SalaryBudget != 0 && (a.SalaryBudget < minSalaryBudget || a.SalaryBudget > maxSalaryBudget) {
		return a, errors.Validation("salaryBudget", "must be between 1000 and 50000")
	}
	return a, nil
}

func oneOf(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
