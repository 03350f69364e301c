package batch

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/maouw/cloudknot/api"
)

func ec2Tags(tags map[string]string) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagSpec(rt ec2types.ResourceType, tags map[string]string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: ec2Tags(tags)}}
}

func nameFilter(name string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("tag:Name"), Values: []string{name}}
}

// vpcDriver manages the knot's VPC together with its internet gateway
// and default route.
type vpcDriver struct {
	ec2 *ec2.Client
}

func (d *vpcDriver) Kind() api.Kind { return api.KindVpc }

func (d *vpcDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	out, err := d.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{nameFilter(name)},
	})
	if err != nil {
		return api.Resource{}, false, wrap(api.KindVpc, "describe", name, err)
	}
	for _, v := range out.Vpcs {
		return api.Resource{Identifier: aws.ToString(v.VpcId)}, true, nil
	}
	return api.Resource{}, false, nil
}

func (d *vpcDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	out, err := d.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(req.Spec.Network.CIDR),
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, req.Tags),
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindVpc, "create", req.Name, err)
	}
	return d.Finish(ctx, req, api.Resource{Identifier: aws.ToString(out.Vpc.VpcId)})
}

// Finish enables DNS hostnames, then attaches an internet gateway and
// routes the main table through it. Every step first looks for what an
// earlier attempt left, so an interrupted Create resumes in place.
func (d *vpcDriver) Finish(ctx context.Context, req api.CreateRequest, res api.Resource) (api.Resource, error) {
	vpcID := res.Identifier
	if _, err := d.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(vpcID),
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	}); err != nil {
		return api.Resource{}, wrap(api.KindVpc, "create", vpcID, err)
	}
	igwID, err := d.internetGateway(ctx, req, vpcID)
	if err != nil {
		return api.Resource{}, err
	}
	if err := d.defaultRoute(ctx, vpcID, igwID); err != nil {
		return api.Resource{}, err
	}
	return api.Resource{Identifier: vpcID, Attributes: map[string]string{"internetGatewayId": igwID}}, nil
}

func (d *vpcDriver) internetGateway(ctx context.Context, req api.CreateRequest, vpcID string) (string, error) {
	found, err := d.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{nameFilter(req.Name)},
	})
	if err != nil {
		return "", wrap(api.KindVpc, "create", vpcID, err)
	}
	var igw ec2types.InternetGateway
	if len(found.InternetGateways) > 0 {
		igw = found.InternetGateways[0]
	} else {
		out, err := d.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
			TagSpecifications: tagSpec(ec2types.ResourceTypeInternetGateway, req.Tags),
		})
		if err != nil {
			return "", wrap(api.KindVpc, "create", vpcID, err)
		}
		igw = *out.InternetGateway
	}
	igwID := aws.ToString(igw.InternetGatewayId)
	for _, a := range igw.Attachments {
		if aws.ToString(a.VpcId) == vpcID {
			return igwID, nil
		}
	}
	if _, err := d.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		return "", wrap(api.KindVpc, "create", vpcID, err)
	}
	return igwID, nil
}

func (d *vpcDriver) defaultRoute(ctx context.Context, vpcID, igwID string) error {
	rts, err := d.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("association.main"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return wrap(api.KindVpc, "create", vpcID, err)
	}
	for _, rt := range rts.RouteTables {
		if hasDefaultRoute(rt, igwID) {
			continue
		}
		if _, err := d.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         rt.RouteTableId,
			DestinationCidrBlock: aws.String(defaultRouteCIDR),
			GatewayId:            aws.String(igwID),
		}); err != nil && awsCode(err) != "RouteAlreadyExists" {
			return wrap(api.KindVpc, "create", vpcID, err)
		}
	}
	return nil
}

const defaultRouteCIDR = "0.0.0.0/0"

func hasDefaultRoute(rt ec2types.RouteTable, igwID string) bool {
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == defaultRouteCIDR && aws.ToString(r.GatewayId) == igwID {
			return true
		}
	}
	return false
}

func (d *vpcDriver) Delete(ctx context.Context, id string) error {
	igws, err := d.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{{Name: aws.String("attachment.vpc-id"), Values: []string{id}}},
	})
	if err != nil {
		return wrap(api.KindVpc, "delete", id, err)
	}
	for _, igw := range igws.InternetGateways {
		if _, err := d.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
			VpcId:             aws.String(id),
		}); err != nil && !isCode(wrap(api.KindVpc, "delete", id, err), api.CodeNotFound) {
			return wrap(api.KindVpc, "delete", id, err)
		}
		if _, err := d.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
		}); err != nil && !isCode(wrap(api.KindVpc, "delete", id, err), api.CodeNotFound) {
			return wrap(api.KindVpc, "delete", id, err)
		}
	}
	_, err = d.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	return wrap(api.KindVpc, "delete", id, err)
}

// subnetDriver manages one public subnet per availability zone. Its
// identifier is the comma-joined list of subnet IDs.
type subnetDriver struct {
	ec2 *ec2.Client
}

func (d *subnetDriver) Kind() api.Kind { return api.KindSubnet }

func (d *subnetDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	out, err := d.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{nameFilter(name)},
	})
	if err != nil {
		return api.Resource{}, false, wrap(api.KindSubnet, "describe", name, err)
	}
	if len(out.Subnets) == 0 {
		return api.Resource{}, false, nil
	}
	ids := make([]string, 0, len(out.Subnets))
	vpc := ""
	for _, s := range out.Subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
		vpc = aws.ToString(s.VpcId)
	}
	sort.Strings(ids)
	return api.Resource{Identifier: strings.Join(ids, ","), Attributes: map[string]string{"vpcId": vpc}}, true, nil
}

func (d *subnetDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	return d.Finish(ctx, req, api.Resource{})
}

// Finish creates the subnet of every zone that has none under req.Name
// yet. Zone i always gets block i, so a resumed pass never collides with
// subnets an earlier pass created.
func (d *subnetDriver) Finish(ctx context.Context, req api.CreateRequest, _ api.Resource) (api.Resource, error) {
	vpcID := req.Dep(api.KindVpc).Identifier
	zones, err := d.zones(ctx, req)
	if err != nil {
		return api.Resource{}, err
	}
	cidrs, err := SubnetCIDRs(req.Spec.Network.CIDR, len(zones))
	if err != nil {
		return api.Resource{}, err
	}
	existing, err := d.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			nameFilter(req.Name),
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindSubnet, "create", req.Name, err)
	}
	byZone := make(map[string]string, len(existing.Subnets))
	for _, sn := range existing.Subnets {
		byZone[aws.ToString(sn.AvailabilityZone)] = aws.ToString(sn.SubnetId)
	}

	ids := make([]string, 0, len(zones))
	for i, zone := range zones {
		id, ok := byZone[zone]
		if !ok {
			out, err := d.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
				VpcId:             aws.String(vpcID),
				CidrBlock:         aws.String(cidrs[i]),
				AvailabilityZone:  aws.String(zone),
				TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, req.Tags),
			})
			if err != nil {
				return api.Resource{}, wrap(api.KindSubnet, "create", req.Name, err)
			}
			id = aws.ToString(out.Subnet.SubnetId)
		}
		ids = append(ids, id)
		if _, err := d.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(id),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return api.Resource{}, wrap(api.KindSubnet, "create", id, err)
		}
	}
	sort.Strings(ids)
	return api.Resource{Identifier: strings.Join(ids, ","), Attributes: map[string]string{"vpcId": vpcID}}, nil
}

// zones lists the available zones in name order, capped at the
// configured count.
func (d *subnetDriver) zones(ctx context.Context, req api.CreateRequest) ([]string, error) {
	azs, err := d.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, wrap(api.KindSubnet, "create", req.Name, err)
	}
	zones := make([]string, 0, len(azs.AvailabilityZones))
	for _, az := range azs.AvailabilityZones {
		zones = append(zones, aws.ToString(az.ZoneName))
	}
	sort.Strings(zones)
	if n := req.Spec.Network.Zones; n > 0 && len(zones) > n {
		zones = zones[:n]
	}
	if len(zones) == 0 {
		return nil, &api.ProviderError{Kind: api.KindSubnet, Op: "create", Identifier: req.Name, Code: api.CodeUnknown,
			Err: fmt.Errorf("no available zones")}
	}
	return zones, nil
}

func (d *subnetDriver) Delete(ctx context.Context, id string) error {
	for _, sid := range strings.Split(id, ",") {
		_, err := d.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(sid)})
		if err = wrap(api.KindSubnet, "delete", sid, err); err != nil && !isCode(err, api.CodeNotFound) {
			return err
		}
	}
	return nil
}

// SubnetCIDRs carves n equal blocks out of vpcCIDR, four bits longer
// than the VPC prefix.
func SubnetCIDRs(vpcCIDR string, n int) ([]string, error) {
	p, err := netip.ParsePrefix(vpcCIDR)
	if err != nil || !p.Addr().Is4() {
		return nil, &api.InvalidParameterError{Message: fmt.Sprintf("network cidr %q is not an IPv4 prefix", vpcCIDR)}
	}
	p = p.Masked()
	bits := p.Bits() + 4
	if bits > 28 {
		return nil, &api.InvalidParameterError{Message: fmt.Sprintf("network cidr %q is too small to split", vpcCIDR)}
	}
	if n > 16 {
		n = 16
	}
	a := p.Addr().As4()
	base := binary.BigEndian.Uint32(a[:])
	step := uint32(1) << (32 - bits)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], base+uint32(i)*step)
		out = append(out, netip.PrefixFrom(netip.AddrFrom4(b), bits).String())
	}
	return out, nil
}

type securityGroupDriver struct {
	ec2 *ec2.Client
}

func (d *securityGroupDriver) Kind() api.Kind { return api.KindSecurityGroup }

func (d *securityGroupDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	out, err := d.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{{Name: aws.String("group-name"), Values: []string{name}}},
	})
	if err != nil {
		return api.Resource{}, false, wrap(api.KindSecurityGroup, "describe", name, err)
	}
	for _, g := range out.SecurityGroups {
		return api.Resource{Identifier: aws.ToString(g.GroupId), Attributes: map[string]string{"vpcId": aws.ToString(g.VpcId)}}, true, nil
	}
	return api.Resource{}, false, nil
}

func (d *securityGroupDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	vpcID := req.Dep(api.KindVpc).Identifier
	out, err := d.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(req.Name),
		Description:       aws.String("Security group for cloudknot knot " + req.Group),
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, req.Tags),
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindSecurityGroup, "create", req.Name, err)
	}
	return api.Resource{Identifier: aws.ToString(out.GroupId), Attributes: map[string]string{"vpcId": vpcID}}, nil
}

func (d *securityGroupDriver) Delete(ctx context.Context, id string) error {
	_, err := d.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	return wrap(api.KindSecurityGroup, "delete", id, err)
}
